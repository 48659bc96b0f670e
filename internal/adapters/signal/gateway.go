package signal

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dkeye/Signal/internal/app"
	"github.com/dkeye/Signal/internal/core"
	"github.com/dkeye/Signal/internal/domain"
	"github.com/dkeye/Signal/internal/metrics"
)

const tracerName = "github.com/dkeye/Signal/internal/adapters/signal"

var errIDTaken = errors.New("id taken")

// Store is the part of the shared state admission reads and writes.
type Store interface {
	core.SessionResolver
	core.NodeDirectory
}

type Config struct {
	Key             string
	ConcurrentLimit int
	// IPTestMode admits non-public source addresses.
	IPTestMode   bool
	StateTimeout time.Duration
	ReadLimit    int64
	WriteWait    time.Duration
	PingPeriod   time.Duration
	SendQueue    int
	// MessageRate is the per-connection inbound limit in messages per
	// second; zero disables it.
	MessageRate  float64
	MessageBurst int
}

// Gateway admits signaling connections and wires their sockets to the
// router.
type Gateway struct {
	Registry *app.Registry
	Router   *app.Router
	Teardown *app.Teardown
	Store    Store
	Metrics  *metrics.Metrics
	Now      func() time.Time

	cfg      Config
	upgrader websocket.Upgrader
	tracer   trace.Tracer
}

func NewGateway(cfg Config, store Store, reg *app.Registry, router *app.Router, td *app.Teardown, m *metrics.Metrics) *Gateway {
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = 64
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 5 * time.Second
	}
	return &Gateway{
		Registry: reg,
		Router:   router,
		Teardown: td,
		Store:    store,
		Metrics:  m,
		Now:      time.Now,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		tracer: otel.Tracer(tracerName),
	}
}

// HandleSignal upgrades the request, runs admission and, when admitted,
// serves the connection until it closes.
func (g *Gateway) HandleSignal(ctx context.Context, c *gin.Context) {
	ip := ClientIP(c.Request)

	ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("ip", ip).Msg("ws upgrade")
		return
	}
	if g.cfg.ReadLimit > 0 {
		ws.SetReadLimit(g.cfg.ReadLimit)
	}
	sock := newWSSocket(ws, g.cfg.SendQueue, g.cfg.WriteWait, g.cfg.PingPeriod)
	go sock.writePump()

	client, err := g.Admit(ctx, sock, ip, c.Request.URL.Query())
	if err != nil {
		g.reject(sock, err)
		return
	}
	g.readPump(ctx, client, sock)
}

// Admit runs the admission steps for one connection attempt. On success the
// returned Client is registered and bound to sock.
func (g *Gateway) Admit(ctx context.Context, sock core.Socket, ip string, q url.Values) (client *core.Client, err error) {
	id := q.Get("id")
	ctx, span := g.tracer.Start(ctx, "signal.admit",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("signal.id", id), attribute.String("signal.ip", ip)),
	)
	defer func() {
		result := "admitted"
		if err != nil {
			result = rejectLabel(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("signal.result", result))
		span.End()
		g.Metrics.Admission(result)
	}()

	if !g.cfg.IPTestMode && !IsPublicIP(ip) {
		return nil, domain.ReasonInvalidIPAddress
	}

	token, key := q.Get("token"), q.Get("key")
	if id == "" || token == "" || key == "" {
		return nil, domain.ReasonInvalidWSParameters
	}
	if subtle.ConstantTimeCompare([]byte(key), []byte(g.cfg.Key)) != 1 {
		return nil, domain.ReasonInvalidKey
	}

	tok, err := domain.DecodeToken(token)
	if err != nil {
		return nil, domain.ReasonInvalidToken
	}

	nodeID, startNode, err := g.authorize(ctx, tok, ip)
	if err != nil {
		return nil, err
	}

	logger := log.With().Str("module", "signal").Str("id", id).Int64("node", nodeID).Str("session", tok.SessionUUID).Logger()

	// Peer membership is recorded before a reconnect rewires the socket.
	recorded := false
	if cur, ok := g.Registry.Get(id); ok && cur.Token() == token && !startNode {
		if err := g.recordPeer(ctx, tok.SessionUUID, nodeID, id); err != nil {
			logger.Error().Err(err).Msg("peer set write failed on reconnect")
			return nil, domain.ReasonServerError
		}
		recorded = true
	}

	now := g.Now()
	var prev core.Socket
	client, res := g.Registry.Claim(id, token, g.cfg.ConcurrentLimit, func() *core.Client {
		c := core.NewClient(id, token, nodeID, tok.SessionUUID, now)
		c.SetSocket(sock)
		return c
	}, func(c *core.Client) {
		c.Touch(now)
		prev = c.SetSocket(sock)
	})

	switch res {
	case app.ClaimTaken:
		logger.Warn().Msg("id taken by another token")
		return nil, errIDTaken
	case app.ClaimFull:
		return nil, domain.ReasonConnectionLimitExceed
	case app.ClaimReconnect:
		if prev != nil && prev != sock {
			_ = prev.Close()
		}
		if !startNode && !recorded {
			if err := g.recordPeer(ctx, tok.SessionUUID, nodeID, id); err != nil {
				logger.Error().Err(err).Msg("peer set write failed on reconnect")
				g.Teardown.Closed(context.Background(), client, sock)
				return nil, domain.ReasonServerError
			}
		}
		g.Router.Flush(client)
		logger.Info().Bool("start_node", startNode).Msg("client reconnected")
		return client, nil
	}

	g.Metrics.ConnectionOpened()
	if err := g.Router.Send(client, domain.NewOpen()); err != nil {
		logger.Warn().Err(err).Msg("open frame not queued")
	}
	if !startNode {
		if err := g.recordPeer(ctx, tok.SessionUUID, nodeID, id); err != nil {
			logger.Error().Err(err).Msg("peer set write failed")
			g.Teardown.Release(context.Background(), client)
			return nil, domain.ReasonServerError
		}
	}
	if err := g.bindNode(ctx, nodeID, id); err != nil {
		logger.Error().Err(err).Msg("node directory bind failed")
		g.Teardown.Release(context.Background(), client)
		return nil, domain.ReasonServerError
	}
	logger.Info().Bool("start_node", startNode).Msg("client admitted")
	return client, nil
}

// authorize resolves the token to a node that may join the session.
// A miss rejects with an invalid token, a store failure with a server error.
func (g *Gateway) authorize(ctx context.Context, tok domain.Token, ip string) (nodeID int64, startNode bool, err error) {
	ctx, cancel := g.stateContext(ctx)
	defer cancel()

	logger := log.With().Str("module", "signal").Str("session", tok.SessionUUID).Logger()
	fail := func(step string, err error) (int64, bool, error) {
		if err != nil {
			logger.Error().Err(err).Str("step", step).Msg("store lookup failed")
			return 0, false, domain.ReasonServerError
		}
		logger.Info().Str("step", step).Msg("admission lookup missed")
		return 0, false, domain.ReasonInvalidToken
	}

	userID, found, err := g.Store.ResolveUserID(ctx, tok.UserRef)
	if err != nil || !found {
		return fail("user", err)
	}
	nodeID, found, err = g.Store.ResolveNodeBinding(ctx, userID, tok.ClientRef, ip)
	if err != nil || !found {
		return fail("node", err)
	}
	nodes, found, err := g.Store.SessionNodeList(ctx, tok.SessionUUID)
	if err != nil || !found {
		return fail("session", err)
	}
	if slices.Contains(nodes, nodeID) {
		return nodeID, false, nil
	}

	origin, found, err := g.Store.SessionOriginNode(ctx, nodeID)
	if err != nil || !found {
		return fail("origin", err)
	}
	if !strings.EqualFold(origin, tok.SessionUUID) {
		return fail("origin", nil)
	}
	logger.Info().Int64("node", nodeID).Msg("start node joined")
	return nodeID, true, nil
}

func (g *Gateway) recordPeer(ctx context.Context, session string, nodeID int64, id string) error {
	ctx, cancel := g.stateContext(ctx)
	defer cancel()
	return g.Store.RecordPeer(ctx, session, nodeID, id)
}

func (g *Gateway) bindNode(ctx context.Context, nodeID int64, id string) error {
	ctx, cancel := g.stateContext(ctx)
	defer cancel()
	return g.Store.BindNode(ctx, nodeID, id)
}

func (g *Gateway) stateContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.cfg.StateTimeout > 0 {
		return context.WithTimeout(ctx, g.cfg.StateTimeout)
	}
	return context.WithCancel(ctx)
}

// reject sends the matching frame and closes the socket. Nothing was
// registered for the attempt.
func (g *Gateway) reject(sock core.Socket, err error) {
	msg := domain.NewError(domain.ReasonServerError)
	var reason domain.Reason
	switch {
	case errors.Is(err, errIDTaken):
		msg = domain.NewIDTaken()
	case errors.As(err, &reason):
		msg = domain.NewError(reason)
	}
	if frame, encErr := msg.Encode(); encErr == nil {
		_ = sock.Send(frame)
	}
	_ = sock.Close()
	log.Info().Str("module", "signal").Str("reason", msg.PayloadText()).Msg("connection rejected")
}

func rejectLabel(err error) string {
	var reason domain.Reason
	switch {
	case errors.Is(err, errIDTaken):
		return "id_taken"
	case errors.As(err, &reason):
		switch reason {
		case domain.ReasonInvalidIPAddress:
			return "invalid_ip"
		case domain.ReasonInvalidWSParameters:
			return "invalid_parameters"
		case domain.ReasonInvalidKey:
			return "invalid_key"
		case domain.ReasonInvalidToken:
			return "invalid_token"
		case domain.ReasonConnectionLimitExceed:
			return "limit"
		}
	}
	return "server_error"
}
