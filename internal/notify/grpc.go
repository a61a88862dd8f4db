package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/petrijr/waterflow/pkg/api"
)

// NotifyMethod is the full name of the unary method receivers implement.
const NotifyMethod = "/waterflow.v1.Notifier/Notify"

// GRPCConfig configures a GRPCInvoker.
type GRPCConfig struct {
	// Targets maps notification targets to receiver addresses.
	Targets map[string]string
	// DefaultAddress receives notifications for unmapped targets. Empty
	// means unmapped targets fail with ErrUnknownTarget.
	DefaultAddress string
	Timeout        time.Duration
	// DialOptions replace the default insecure transport credentials.
	DialOptions []grpc.DialOption
}

// GRPCInvoker sends notifications as structpb.Struct messages over gRPC,
// keeping one client connection per receiver address.
type GRPCInvoker struct {
	cfg    GRPCConfig
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[string]*grpc.ClientConn
}

var _ Invoker = (*GRPCInvoker)(nil)

// NewGRPCInvoker creates an invoker. Connections are opened lazily.
func NewGRPCInvoker(cfg GRPCConfig, logger *slog.Logger) *GRPCInvoker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GRPCInvoker{
		cfg:    cfg,
		logger: logger.With("component", "notify-grpc"),
		conns:  make(map[string]*grpc.ClientConn),
	}
}

func (g *GRPCInvoker) address(target string) (string, error) {
	if addr, ok := g.cfg.Targets[target]; ok {
		return addr, nil
	}
	if g.cfg.DefaultAddress != "" {
		return g.cfg.DefaultAddress, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTarget, target)
}

func (g *GRPCInvoker) conn(address string) (*grpc.ClientConn, error) {
	g.mu.RLock()
	conn, ok := g.conns[address]
	g.mu.RUnlock()
	if ok && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if conn, ok := g.conns[address]; ok && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	opts := g.cfg.DialOptions
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", address, err)
	}
	g.conns[address] = conn
	g.logger.Debug("opened notification connection", "address", address)
	return conn, nil
}

// Invoke sends n to the receiver configured for its target.
func (g *GRPCInvoker) Invoke(ctx context.Context, n *api.Notification) error {
	address, err := g.address(n.Target)
	if err != nil {
		return err
	}
	conn, err := g.conn(address)
	if err != nil {
		return err
	}
	req, err := Encode(n)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()
	if err := conn.Invoke(ctx, NotifyMethod, req, &emptypb.Empty{}); err != nil {
		return fmt.Errorf("notify %s at %s: %w", n.Target, address, err)
	}
	return nil
}

// Close closes every open connection.
func (g *GRPCInvoker) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var firstErr error
	for addr, conn := range g.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(g.conns, addr)
	}
	return firstErr
}

// Encode renders n as the message sent to receivers. Payload values are
// normalized through JSON so any JSON-serializable value can be carried.
func Encode(n *api.Notification) (*structpb.Struct, error) {
	payload := map[string]any{}
	if len(n.Payload) > 0 {
		raw, err := json.Marshal(n.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode notification payload: %w", err)
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("encode notification payload: %w", err)
		}
	}
	return structpb.NewStruct(map[string]any{
		"id":          n.ID,
		"kind":        string(n.Kind),
		"trace_id":    n.TraceID,
		"context_id":  n.ContextID,
		"node_id":     n.NodeID,
		"target":      n.Target,
		"retry_count": n.RetryCount,
		"created_at":  n.CreatedAt.UTC().Format(time.RFC3339Nano),
		"payload":     payload,
	})
}

// Decode is the inverse of Encode for receivers.
func Decode(s *structpb.Struct) (*api.Notification, error) {
	m := s.AsMap()
	str := func(k string) string {
		v, _ := m[k].(string)
		return v
	}
	n := &api.Notification{
		ID:        str("id"),
		Kind:      api.NotificationKind(str("kind")),
		TraceID:   str("trace_id"),
		ContextID: str("context_id"),
		NodeID:    str("node_id"),
		Target:    str("target"),
		Payload:   map[string]any{},
	}
	if rc, ok := m["retry_count"].(float64); ok {
		n.RetryCount = int(rc)
	}
	if ts := str("created_at"); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("decode notification: %w", err)
		}
		n.CreatedAt = t
	}
	if p, ok := m["payload"].(map[string]any); ok {
		n.Payload = p
	}
	if n.ID == "" {
		return nil, fmt.Errorf("decode notification: missing id")
	}
	return n, nil
}
