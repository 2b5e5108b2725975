package ws

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/samber/lo"

	"parley/domain"
	"parley/errors"
)

type createConversationRequest struct {
	Participants []string `json:"participants" validate:"required,min=2,dive,required"`
}

type conversationResponse struct {
	ID           string   `json:"id"`
	Participants []string `json:"participants"`
}

type historyResponse struct {
	Messages []NewMessagePayload `json:"messages"`
	Cursor   *string             `json:"cursor,omitempty"`
}

// bearerIdentity authenticates a REST call from its Authorization header.
func (s *Server) bearerIdentity(r *http.Request) (domain.Identity, error) {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found {
		return domain.Identity{}, errors.ErrAuthenticationFailed
	}
	return s.verifier.ValidateToken(token)
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	identity, err := s.bearerIdentity(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		return
	}

	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := validate.Struct(req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	participants := lo.Map(req.Participants, func(id string, _ int) domain.IdentityID {
		return domain.IdentityID(id)
	})
	if !lo.Contains(participants, identity.ID) {
		s.writeError(w, http.StatusForbidden, errors.ErrUnauthorized)
		return
	}

	conv, err := s.convRepo.CreateConversation(participants)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.log.Info("Conversation created",
		"conversation_id", string(conv.ID),
		"participants", len(conv.Participants))

	s.writeJSON(w, http.StatusCreated, conversationResponse{
		ID: string(conv.ID),
		Participants: lo.Map(conv.Participants, func(id domain.IdentityID, _ int) string {
			return string(id)
		}),
	})
}

// handleHistory pages a conversation backwards from the newest message, or
// from the cursor returned by a previous page.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	identity, err := s.bearerIdentity(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, err)
		return
	}

	convID := domain.ConversationID(mux.Vars(r)["id"])
	conv, err := s.convRepo.GetConversation(convID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	if !conv.HasParticipant(identity.ID) {
		s.writeError(w, http.StatusForbidden, errors.ErrUnauthorized)
		return
	}

	var cursor *string
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		cursor = &raw
	}
	messages, next, err := s.msgRepo.GetMessages(convID, cursor)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(w, http.StatusOK, historyResponse{
		Messages: lo.Map(messages, func(msg domain.Message, _ int) NewMessagePayload {
			return toNewMessagePayload(msg)
		}),
		Cursor: next,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.stats.Snapshot())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("Response encoding failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, ErrorPayload{Message: err.Error(), Code: MapErrorCode(err)})
}
