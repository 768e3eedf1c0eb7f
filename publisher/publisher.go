package publisher

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/sqlbridge/sqlbridge/cdc"
	"github.com/sqlbridge/sqlbridge/cfg"
	"github.com/sqlbridge/sqlbridge/telemetry"
)

// Sink is a destination for applied-event fan-out (NATS, Kafka).
type Sink interface {
	// Publish sends an event payload keyed for partition routing.
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink.
	Close() error
}

// SinkFactory builds a sink from its configuration record.
type SinkFactory func(config cfg.SinkConfiguration) (Sink, error)

var (
	sinkMu  sync.RWMutex
	sinkReg = make(map[string]SinkFactory)
)

// RegisterSink binds a sink type tag to a factory. Called from the sink
// implementations' init functions.
func RegisterSink(sinkType string, factory SinkFactory) {
	sinkMu.Lock()
	defer sinkMu.Unlock()
	sinkReg[sinkType] = factory
}

// Envelope is the serialized applied-event record sinks receive.
type Envelope struct {
	Stream    string            `json:"stream" msgpack:"stream"`
	Operation string            `json:"op" msgpack:"op"`
	Schema    string            `json:"schema" msgpack:"schema"`
	Table     string            `json:"table" msgpack:"tbl"`
	Timestamp time.Time         `json:"timestamp" msgpack:"ts"`
	Position  string            `json:"position" msgpack:"pos"`
	SourceID  string            `json:"source_id" msgpack:"src"`
	Key       map[string]string `json:"primary_key" msgpack:"key"`
	Before    map[string]string `json:"before,omitempty" msgpack:"before,omitempty"`
	After     map[string]string `json:"after,omitempty" msgpack:"after,omitempty"`
}

type boundSink struct {
	name   string
	sink   Sink
	filter *GlobFilter
	format string
	prefix string
}

// Publisher fans successfully applied events out to the configured sinks.
// Publishing is best-effort: a sink failure is logged (PublishedTotal counts
// successful publishes only), never fed back into the pipeline's apply path.
type Publisher struct {
	sinks []boundSink
}

// New builds a publisher from the sink configurations. Returns nil when no
// sinks are configured so callers can skip fan-out entirely.
func New(configs []cfg.SinkConfiguration) (*Publisher, error) {
	if len(configs) == 0 {
		return nil, nil
	}

	p := &Publisher{}
	for i, sc := range configs {
		sinkMu.RLock()
		factory, ok := sinkReg[sc.Type]
		sinkMu.RUnlock()
		if !ok {
			p.Close()
			return nil, fmt.Errorf("unknown sink type %q", sc.Type)
		}

		sink, err := factory(sc)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to create %s sink: %w", sc.Type, err)
		}

		filter, err := NewGlobFilter(sc.Tables)
		if err != nil {
			sink.Close()
			p.Close()
			return nil, err
		}

		format := sc.Format
		if format == "" {
			format = "msgpack"
		}

		p.sinks = append(p.sinks, boundSink{
			name:   fmt.Sprintf("%s-%d", sc.Type, i),
			sink:   sink,
			filter: filter,
			format: format,
			prefix: sc.TopicPrefix,
		})
		log.Info().Str("sink", sc.Type).Str("format", format).Msg("Registered event sink")
	}
	return p, nil
}

// Publish fans one applied event out to every matching sink.
func (p *Publisher) Publish(stream string, ev *cdc.ChangeEvent) {
	if p == nil {
		return
	}

	var env *Envelope
	for _, bs := range p.sinks {
		if !bs.filter.Match(ev.Table) {
			continue
		}
		if env == nil {
			env = envelope(stream, ev)
		}

		data, err := encode(env, bs.format)
		if err != nil {
			log.Error().Err(err).Str("sink", bs.name).Msg("Failed to encode event for sink")
			continue
		}

		topic := bs.topic(ev)
		if err := bs.sink.Publish(topic, keyString(ev), data); err != nil {
			log.Warn().Err(err).Str("sink", bs.name).Str("topic", topic).Msg("Failed to publish event")
			continue
		}
		telemetry.PublishedTotal.With(bs.name).Inc()
	}
}

// Close releases every sink.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	for _, bs := range p.sinks {
		if err := bs.sink.Close(); err != nil {
			log.Warn().Err(err).Str("sink", bs.name).Msg("Failed to close sink")
		}
	}
}

func (bs boundSink) topic(ev *cdc.ChangeEvent) string {
	if bs.prefix == "" {
		return fmt.Sprintf("%s.%s", ev.Schema, ev.Table)
	}
	return fmt.Sprintf("%s.%s.%s", bs.prefix, ev.Schema, ev.Table)
}

func envelope(stream string, ev *cdc.ChangeEvent) *Envelope {
	return &Envelope{
		Stream:    stream,
		Operation: ev.Operation.String(),
		Schema:    ev.Schema,
		Table:     ev.Table,
		Timestamp: ev.Timestamp,
		Position:  ev.Position.String(),
		SourceID:  ev.SourceID,
		Key:       rowStrings(ev.PrimaryKey),
		Before:    rowStrings(ev.Before),
		After:     rowStrings(ev.After),
	}
}

func encode(env *Envelope, format string) ([]byte, error) {
	if format == "json" {
		return json.Marshal(env)
	}
	return msgpack.Marshal(env)
}

func keyString(ev *cdc.ChangeEvent) string {
	key := ev.QualifiedTable()
	for _, cv := range ev.PrimaryKey {
		key += "/" + cv.Value.String()
	}
	return key
}

func rowStrings(row cdc.Row) map[string]string {
	if len(row) == 0 {
		return nil
	}
	out := make(map[string]string, len(row))
	for _, cv := range row {
		out[cv.Name] = cv.Value.String()
	}
	return out
}
