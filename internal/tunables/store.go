// Package tunables stores per-namespace runtime parameters in Redis so they can be
// changed without restarting the engine.
package tunables

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"GoISG/internal/config"
	"GoISG/internal/engine/namespace"
	"GoISG/internal/errors"
	"GoISG/internal/model"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Hash fields recognised in a namespace's tunables hash.
const (
	FieldExportInterval     = "export_interval"
	FieldIdleTimeout        = "idle_timeout"
	FieldMaxDuration        = "max_duration"
	FieldInitialMaxDuration = "initial_max_duration"
	FieldApproveRetry       = "approve_retry_interval"
	FieldPermitAction       = "permit_action"
	FieldDenyAction         = "deny_action"
	FieldPassOutgoing       = "pass_outgoing"
)

// Fields returns every recognised field name, sorted.
func Fields() []string {
	names := make([]string, 0, len(setters))
	for name := range setters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type setter func(p *namespace.Params, value string) error

func durationSetter(get func(p *namespace.Params) *time.Duration) setter {
	return func(p *namespace.Params, value string) error {
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		if d < 0 {
			return fmt.Errorf("must not be negative")
		}
		*get(p) = d
		return nil
	}
}

func actionSetter(get func(p *namespace.Params) *model.Verdict) setter {
	return func(p *namespace.Params, value string) error {
		if value != "accept" && value != "drop" {
			return fmt.Errorf("expected accept or drop")
		}
		*get(p) = model.ParseVerdict(value)
		return nil
	}
}

var setters = map[string]setter{
	FieldExportInterval:     durationSetter(func(p *namespace.Params) *time.Duration { return &p.Timeouts.ExportInterval }),
	FieldIdleTimeout:        durationSetter(func(p *namespace.Params) *time.Duration { return &p.Timeouts.IdleTimeout }),
	FieldMaxDuration:        durationSetter(func(p *namespace.Params) *time.Duration { return &p.Timeouts.MaxDuration }),
	FieldInitialMaxDuration: durationSetter(func(p *namespace.Params) *time.Duration { return &p.Timeouts.InitialMaxDuration }),
	FieldApproveRetry:       durationSetter(func(p *namespace.Params) *time.Duration { return &p.Timeouts.ApproveRetry }),
	FieldPermitAction:       actionSetter(func(p *namespace.Params) *model.Verdict { return &p.PermitAction }),
	FieldDenyAction:         actionSetter(func(p *namespace.Params) *model.Verdict { return &p.DenyAction }),
	FieldPassOutgoing: func(p *namespace.Params, value string) error {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		p.PassOutgoing = b
		return nil
	},
}

// Apply sets one field of p from its string form.
func Apply(p *namespace.Params, field, value string) error {
	set, ok := setters[field]
	if !ok {
		return errors.Errorf(errors.KindMalformed, "unknown tunable %q", field)
	}
	if err := set(p, value); err != nil {
		return errors.Wrapf(err, errors.KindMalformed, "invalid value %q for %s", value, field)
	}
	return nil
}

// Encode renders p as hash fields.
func Encode(p namespace.Params) map[string]string {
	return map[string]string{
		FieldExportInterval:     p.Timeouts.ExportInterval.String(),
		FieldIdleTimeout:        p.Timeouts.IdleTimeout.String(),
		FieldMaxDuration:        p.Timeouts.MaxDuration.String(),
		FieldInitialMaxDuration: p.Timeouts.InitialMaxDuration.String(),
		FieldApproveRetry:       p.Timeouts.ApproveRetry.String(),
		FieldPermitAction:       p.PermitAction.String(),
		FieldDenyAction:         p.DenyAction.String(),
		FieldPassOutgoing:       strconv.FormatBool(p.PassOutgoing),
	}
}

// Store reads and writes the tunables hash "<prefix>:<namespace>".
type Store struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// New connects to the Redis server named in cfg.
func New(cfg config.TunablesConfig, logger *zap.Logger) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewWithClient(client, cfg.KeyPrefix, logger)
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, prefix string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{client: client, prefix: prefix, logger: logger.Named("tunables")}
}

func (s *Store) key(ns string) string {
	return s.prefix + ":" + ns
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Load overlays the stored fields of ns onto base. Unknown or invalid fields are
// logged and ignored.
func (s *Store) Load(ctx context.Context, ns string, base namespace.Params) (namespace.Params, error) {
	fields, err := s.client.HGetAll(ctx, s.key(ns)).Result()
	if err != nil {
		return base, errors.Wrapf(err, errors.KindInternal, "failed to read tunables of %s", ns)
	}
	p := base
	for field, value := range fields {
		if err := Apply(&p, field, value); err != nil {
			s.logger.Warn("Ignoring tunable", zap.String("namespace", ns), zap.String("field", field), zap.Error(err))
		}
	}
	return p, nil
}

// Set validates and stores one field of ns.
func (s *Store) Set(ctx context.Context, ns, field, value string) error {
	var scratch namespace.Params
	if err := Apply(&scratch, field, value); err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.key(ns), field, value).Err(); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "failed to store tunable %s of %s", field, ns)
	}
	return nil
}

// Save stores every field of p for ns.
func (s *Store) Save(ctx context.Context, ns string, p namespace.Params) error {
	values := make(map[string]any, len(setters))
	for field, value := range Encode(p) {
		values[field] = value
	}
	if err := s.client.HSet(ctx, s.key(ns), values).Err(); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "failed to store tunables of %s", ns)
	}
	return nil
}

// Reset removes every stored field of ns.
func (s *Store) Reset(ctx context.Context, ns string) error {
	return s.client.Del(ctx, s.key(ns)).Err()
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}
