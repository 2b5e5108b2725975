package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"parley/auth"
	"parley/domain"
	"parley/observability"
	"parley/repositories"
	"parley/runtime"
)

const (
	readLimit        = 64 * 1024
	pongWait         = 60 * time.Second
	pingPeriod       = 30 * time.Second
	writeWait        = 10 * time.Second
	handshakeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server hosts the websocket endpoint and the REST boundary handlers. Each
// accepted connection gets a read pump (this goroutine) and a write pump,
// with the session sink in between.
type Server struct {
	log        *slog.Logger
	verifier   *auth.Verifier
	registry   *runtime.SessionRegistry
	router     *runtime.RoomRouter
	pipeline   *runtime.DeliveryPipeline
	typing     *runtime.TypingBroadcaster
	convRepo   repositories.IConversationRepository
	msgRepo    repositories.IMessageRepository
	stats      *observability.Manager
	bufferSize int
}

func NewServer(log *slog.Logger, verifier *auth.Verifier, registry *runtime.SessionRegistry,
	router *runtime.RoomRouter, pipeline *runtime.DeliveryPipeline, typing *runtime.TypingBroadcaster,
	convRepo repositories.IConversationRepository, msgRepo repositories.IMessageRepository,
	stats *observability.Manager, bufferSize int) *Server {
	return &Server{
		log:        log,
		verifier:   verifier,
		registry:   registry,
		router:     router,
		pipeline:   pipeline,
		typing:     typing,
		convRepo:   convRepo,
		msgRepo:    msgRepo,
		stats:      stats,
		bufferSize: bufferSize,
	}
}

// Routes exposes the websocket upgrade endpoint plus the REST boundary
// consumed by clients outside the live channel (conversation creation,
// history pagination, health).
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.HandleWebSocket)
	r.HandleFunc("/conversations", s.handleCreateConversation).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/messages", s.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/statsz", s.handleStats).Methods(http.MethodGet)
	return r
}

// HandleWebSocket upgrades the connection and runs the session lifecycle.
// The first frame must be connect{token}; anything else refuses the
// connection with no session created. Teardown always runs LeaveAll and
// Deregister, so a disconnect at any point leaves no partial membership.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	identity, err := s.handshake(conn)
	if err != nil {
		s.refuse(conn, err)
		_ = conn.Close()
		return
	}

	sink := NewSessionSink(s.bufferSize)
	connKey := fmt.Sprintf("%s|%p", conn.RemoteAddr(), conn)
	session, err := s.registry.Register(connKey, identity, sink)
	if err != nil {
		s.refuse(conn, err)
		_ = conn.Close()
		return
	}
	s.stats.SessionOpened()
	s.log.Info("Session registered",
		"session_id", string(session.ID),
		"user_id", string(identity.ID))

	ctx := context.Background()
	ack, _ := NewEnvelope(TypeConnectOK, ConnectOKPayload{
		SessionID:  string(session.ID),
		UserID:     string(identity.ID),
		ServerTime: session.CreatedAt,
	})
	_ = sink.SendEnvelope(ctx, ack)

	go s.writePump(conn, sink)
	s.readPump(ctx, conn, session, sink)

	// Deterministic cleanup: disconnection is not an error condition.
	s.router.LeaveAll(session.ID)
	s.registry.Deregister(session.ID)
	s.stats.SessionClosed()
	_ = conn.Close()
	s.log.Info("Session closed", "session_id", string(session.ID))
}

// handshake reads and validates the mandatory first frame.
func (s *Server) handshake(conn *websocket.Conn) (domain.Identity, error) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return domain.Identity{}, fmt.Errorf("handshake read: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return domain.Identity{}, fmt.Errorf("handshake frame: %w", err)
	}
	if env.Type != TypeConnect {
		return domain.Identity{}, fmt.Errorf("expected %s frame, got %s", TypeConnect, env.Type)
	}
	payload, err := decode[ConnectPayload](env.Data)
	if err != nil {
		return domain.Identity{}, err
	}
	return s.verifier.ValidateToken(payload.Token)
}

// refuse writes a final error frame directly; the write pump is not running
// yet at refusal time.
func (s *Server) refuse(conn *websocket.Conn, err error) {
	env, marshalErr := NewEnvelope(TypeError, ErrorPayload{
		Message: err.Error(),
		Code:    MapErrorCode(err),
	})
	if marshalErr != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteJSON(env)
	s.log.Warn("Connection refused", "error", err)
}

func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, session domain.Session, sink *SessionSink) {
	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn("WebSocket read error", "session_id", string(session.ID), "error", err)
			}
			return
		}
		s.registry.Touch(session.ID)
		s.dispatch(ctx, session, sink, raw)
	}
}

func (s *Server) writePump(conn *websocket.Conn, sink *SessionSink) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case data, ok := <-sink.Out():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-sink.Dropped():
			// Overflow policy: a consumer that cannot keep up is cut off
			// rather than allowed to stall the room.
			s.stats.IncrDroppedSession()
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "outbound queue overflow"))
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch routes one inbound frame. The switch is the exhaustive dispatch
// table over the client->server half of the event union; an unknown type is
// answered with an error frame, never ignored.
func (s *Server) dispatch(ctx context.Context, session domain.Session, sink *SessionSink, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.sendError(ctx, sink, CodeInvalidPayload, "malformed envelope")
		return
	}

	switch env.Type {
	case TypeConnect:
		s.sendError(ctx, sink, CodeInvalidPayload, "session already authenticated")

	case TypeJoinConversation:
		payload, err := decode[JoinConversationPayload](env.Data)
		if err != nil {
			s.sendError(ctx, sink, CodeInvalidPayload, err.Error())
			return
		}
		if err := s.router.Join(session, domain.ConversationID(payload.ConversationID)); err != nil {
			s.sendError(ctx, sink, MapErrorCode(err), err.Error())
		}

	case TypeLeaveConversation:
		payload, err := decode[LeaveConversationPayload](env.Data)
		if err != nil {
			s.sendError(ctx, sink, CodeInvalidPayload, err.Error())
			return
		}
		s.router.Leave(session.ID, domain.ConversationID(payload.ConversationID))

	case TypeSendMessage:
		payload, err := decode[SendMessagePayload](env.Data)
		if err != nil {
			s.sendError(ctx, sink, CodeInvalidPayload, err.Error())
			return
		}
		msg, err := s.pipeline.Send(ctx, session, toSendRequest(payload))
		if err != nil {
			s.sendError(ctx, sink, MapErrorCode(err), err.Error())
			return
		}
		ack, err := NewEnvelope(TypeMessageSent, MessageSentPayload{
			TempID:    payload.TempID,
			MessageID: string(msg.ID),
			Seq:       msg.Seq,
			Timestamp: msg.CreatedAt,
		})
		if err == nil {
			_ = sink.SendEnvelope(ctx, ack)
		}

	case TypeMessageRead:
		payload, err := decode[MessageReadPayload](env.Data)
		if err != nil {
			s.sendError(ctx, sink, CodeInvalidPayload, err.Error())
			return
		}
		if err := s.pipeline.MarkRead(ctx, session,
			domain.MessageID(payload.MessageID),
			domain.ConversationID(payload.ConversationID)); err != nil {
			s.sendError(ctx, sink, MapErrorCode(err), err.Error())
		}

	case TypeTypingStart:
		payload, err := decode[TypingPayload](env.Data)
		if err != nil {
			s.sendError(ctx, sink, CodeInvalidPayload, err.Error())
			return
		}
		if err := s.typing.Start(ctx, session, domain.ConversationID(payload.ConversationID)); err != nil {
			s.sendError(ctx, sink, MapErrorCode(err), err.Error())
		}

	case TypeTypingStop:
		payload, err := decode[TypingPayload](env.Data)
		if err != nil {
			s.sendError(ctx, sink, CodeInvalidPayload, err.Error())
			return
		}
		if err := s.typing.Stop(ctx, session, domain.ConversationID(payload.ConversationID)); err != nil {
			s.sendError(ctx, sink, MapErrorCode(err), err.Error())
		}

	default:
		s.sendError(ctx, sink, CodeInvalidPayload, fmt.Sprintf("unknown event type %q", env.Type))
	}
}

func (s *Server) sendError(ctx context.Context, sink *SessionSink, code, message string) {
	env, err := NewEnvelope(TypeError, ErrorPayload{Message: message, Code: code})
	if err != nil {
		return
	}
	_ = sink.SendEnvelope(ctx, env)
}

func toSendRequest(payload SendMessagePayload) runtime.SendRequest {
	req := runtime.SendRequest{
		Conversation: domain.ConversationID(payload.ConversationID),
		TempID:       payload.TempID,
		Type:         domain.MessageType(payload.Type),
		Content:      payload.Content,
		IV:           payload.IV,
		AuthTag:      payload.AuthTag,
	}
	if payload.Attachment != nil {
		req.Attachment = &domain.Attachment{
			Ref:  payload.Attachment.Ref,
			Name: payload.Attachment.Name,
			Size: payload.Attachment.Size,
		}
	}
	return req
}
