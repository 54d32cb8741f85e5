// Package config loads YAML flow definitions.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/lsm/relay/internal/kafka"
	"github.com/lsm/relay/internal/sink/breaker"
)

// Source types.
const (
	SourceKafka = "kafka"
	SourceHTTP  = "http"
)

// Sink types.
const (
	StreamKafka   = "kafka"
	DurableHTTP   = "http"
	DurablePebble = "pebble"
)

// State store types.
const (
	StateMemory = "memory"
	StatePebble = "pebble"
)

// FlowDefinition describes one forwarding flow.
type FlowDefinition struct {
	Name          string              `yaml:"name"`
	Environment   string              `yaml:"environment"`
	Layer         string              `yaml:"layer"`
	Stage         string              `yaml:"stage"`
	Source        SourceConfig        `yaml:"source"`
	Kafka         KafkaConfig         `yaml:"kafka,omitempty"`
	Sinks         SinksConfig         `yaml:"sinks,omitempty"`
	State         StateConfig         `yaml:"state,omitempty"`
	Input         InputConfig         `yaml:"input,omitempty"`
	Outputs       []OutputConfig      `yaml:"outputs,omitempty"`
	Schema        string              `yaml:"schema,omitempty"`
	ErrorHandling ErrorHandlingConfig `yaml:"errorHandling,omitempty"`
}

// SourceConfig holds source configuration.
type SourceConfig struct {
	Type   string        `yaml:"type"`
	Config SourceOptions `yaml:"config"`
}

// SourceOptions holds the settings of every source type; each type reads
// its own subset.
type SourceOptions struct {
	// kafka
	Cluster        string   `yaml:"cluster,omitempty"`
	Topics         []string `yaml:"topics,omitempty"`
	ConsumerGroup  string   `yaml:"consumerGroup,omitempty"`
	StartOffset    string   `yaml:"startOffset,omitempty"`
	MaxPollRecords int      `yaml:"maxPollRecords,omitempty"`

	// RetryBackoff pauses a rejected partition before it is fetched again.
	RetryBackoff time.Duration `yaml:"retryBackoff,omitempty"`

	// http
	ListenAddr   string `yaml:"listenAddr,omitempty"`
	Path         string `yaml:"path,omitempty"`
	MaxBodyBytes int64  `yaml:"maxBodyBytes,omitempty"`
}

// KafkaConfig declares the Kafka clusters a flow may use, by name.
type KafkaConfig struct {
	Clusters map[string]kafka.ClusterConfig `yaml:"clusters,omitempty"`
}

// SinksConfig holds the stream and durable sinks of a flow.
type SinksConfig struct {
	Stream  *StreamSinkConfig  `yaml:"stream,omitempty"`
	Durable *DurableSinkConfig `yaml:"durable,omitempty"`
}

// StreamSinkConfig configures the stream sink.
type StreamSinkConfig struct {
	Type    string            `yaml:"type"`
	Cluster string            `yaml:"cluster"`
	Headers map[string]string `yaml:"headers,omitempty"`
	// CreateTopics creates missing output streams at startup and when a
	// reload adds one.
	CreateTopics   *TopicSpec      `yaml:"createTopics,omitempty"`
	CircuitBreaker *breaker.Config `yaml:"circuitBreaker,omitempty"`
}

// TopicSpec sizes topics created at startup.
type TopicSpec struct {
	Partitions        int32 `yaml:"partitions"`
	ReplicationFactor int16 `yaml:"replicationFactor"`
}

// DurableSinkConfig configures the durable sink.
type DurableSinkConfig struct {
	Type           string          `yaml:"type"`
	Config         DurableOptions  `yaml:"config"`
	CircuitBreaker *breaker.Config `yaml:"circuitBreaker,omitempty"`
}

// DurableOptions holds the settings of every durable sink type.
type DurableOptions struct {
	// http
	URL             string            `yaml:"url,omitempty"`
	Headers         map[string]string `yaml:"headers,omitempty"`
	Timeout         time.Duration     `yaml:"timeout,omitempty"`
	MaxAttempts     int               `yaml:"maxAttempts,omitempty"`
	InitialInterval time.Duration     `yaml:"initialInterval,omitempty"`
	MaxInterval     time.Duration     `yaml:"maxInterval,omitempty"`
	RateLimit       float64           `yaml:"rateLimit,omitempty"`
	Burst           int               `yaml:"burst,omitempty"`

	// pebble
	Path string `yaml:"path,omitempty"`
}

// StateConfig selects the store backing stateful user logic.
type StateConfig struct {
	Type string `yaml:"type,omitempty"`
	Path string `yaml:"path,omitempty"`
}

// InputConfig configures the input side of a flow.
type InputConfig struct {
	Filter         *FilterConfig `yaml:"filter,omitempty"`
	Mapper         *MapperConfig `yaml:"mapper,omitempty"`
	DeliveryStream string        `yaml:"deliveryStream,omitempty"`
}

// OutputConfig declares one output pipeline.
type OutputConfig struct {
	Name           string        `yaml:"name"`
	Filter         *FilterConfig `yaml:"filter,omitempty"`
	Mapper         *MapperConfig `yaml:"mapper,omitempty"`
	Stream         string        `yaml:"stream,omitempty"`
	PartitionKey   string        `yaml:"partitionKey,omitempty"`
	DeliveryStream string        `yaml:"deliveryStream,omitempty"`
}

// FilterConfig selects predicate strategies. When several are set, an event
// must pass all of them, evaluated cel first, then dedup.
type FilterConfig struct {
	CEL   string       `yaml:"cel,omitempty"`
	Dedup *DedupConfig `yaml:"dedup,omitempty"`
}

// DedupConfig drops events whose id was already seen on the shard.
type DedupConfig struct {
	Field string `yaml:"field"`
}

// MapperConfig selects transform strategies, applied in the order cel,
// fields, mapping.
type MapperConfig struct {
	CEL     string            `yaml:"cel,omitempty"`
	Fields  map[string]string `yaml:"fields,omitempty"`
	Mapping map[string]any    `yaml:"mapping,omitempty"`
}

// ErrorHandlingConfig routes failed batches.
type ErrorHandlingConfig struct {
	// ErrorStream is the Kafka topic receiving raw records of failed batches.
	ErrorStream string `yaml:"errorStream,omitempty"`
	// Cluster defaults to the stream sink's cluster.
	Cluster string `yaml:"cluster,omitempty"`
	// ErrorDeliveryStream is a durable sink channel receiving the failures.
	ErrorDeliveryStream string `yaml:"errorDeliveryStream,omitempty"`
	// Propagate returns errors to the source after forwarding them.
	Propagate bool `yaml:"propagate,omitempty"`
}

// ErrorCluster returns the cluster used for the error stream.
func (e ErrorHandlingConfig) ErrorCluster(f *FlowDefinition) string {
	if e.Cluster != "" {
		return e.Cluster
	}
	if f.Sinks.Stream != nil {
		return f.Sinks.Stream.Cluster
	}
	return f.Source.Config.Cluster
}

// Validate checks the definition for errors. All problems are reported.
func (f *FlowDefinition) Validate() error {
	var errs []error

	if f.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}

	for name, c := range f.Kafka.Clusters {
		if err := c.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("kafka.clusters.%s: %w", name, err))
		}
	}

	switch f.Source.Type {
	case SourceKafka:
		errs = append(errs, f.checkCluster("source.config.cluster", f.Source.Config.Cluster)...)
		if len(f.Source.Config.Topics) == 0 {
			errs = append(errs, errors.New("source.config.topics is required for kafka sources"))
		}
		if f.Source.Config.ConsumerGroup == "" {
			errs = append(errs, errors.New("source.config.consumerGroup is required for kafka sources"))
		}
		if so := f.Source.Config.StartOffset; so != "" && so != "earliest" && so != "latest" {
			errs = append(errs, fmt.Errorf("source.config.startOffset %q must be earliest or latest", so))
		}
	case SourceHTTP:
		if f.Source.Config.ListenAddr == "" {
			errs = append(errs, errors.New("source.config.listenAddr is required for http sources"))
		}
	default:
		errs = append(errs, fmt.Errorf("source.type %q is not supported (must be kafka or http)", f.Source.Type))
	}

	if s := f.Sinks.Stream; s != nil {
		if s.Type != StreamKafka {
			errs = append(errs, fmt.Errorf("sinks.stream.type %q is not supported (must be kafka)", s.Type))
		}
		errs = append(errs, f.checkCluster("sinks.stream.cluster", s.Cluster)...)
	}
	if d := f.Sinks.Durable; d != nil {
		switch d.Type {
		case DurableHTTP:
			if d.Config.URL == "" {
				errs = append(errs, errors.New("sinks.durable.config.url is required for http durable sinks"))
			}
		case DurablePebble:
			if d.Config.Path == "" {
				errs = append(errs, errors.New("sinks.durable.config.path is required for pebble durable sinks"))
			}
		default:
			errs = append(errs, fmt.Errorf("sinks.durable.type %q is not supported (must be http or pebble)", d.Type))
		}
	}

	switch f.State.Type {
	case "", StateMemory:
	case StatePebble:
		if f.State.Path == "" {
			errs = append(errs, errors.New("state.path is required for pebble state"))
		}
	default:
		errs = append(errs, fmt.Errorf("state.type %q is not supported (must be memory or pebble)", f.State.Type))
	}

	errs = append(errs, checkFilter("input.filter", f.Input.Filter)...)
	errs = append(errs, checkMapper("input.mapper", f.Input.Mapper)...)
	if f.Input.DeliveryStream != "" && f.Sinks.Durable == nil {
		errs = append(errs, errors.New("input.deliveryStream requires sinks.durable"))
	}

	names := make(map[string]bool, len(f.Outputs))
	for i, o := range f.Outputs {
		prefix := fmt.Sprintf("outputs[%d]", i)
		if o.Name != "" {
			if names[o.Name] {
				errs = append(errs, fmt.Errorf("%s: duplicate name %q", prefix, o.Name))
			}
			names[o.Name] = true
		}
		errs = append(errs, checkFilter(prefix+".filter", o.Filter)...)
		errs = append(errs, checkMapper(prefix+".mapper", o.Mapper)...)
		if o.Stream != "" && f.Sinks.Stream == nil {
			errs = append(errs, fmt.Errorf("%s.stream requires sinks.stream", prefix))
		}
		if o.DeliveryStream != "" && f.Sinks.Durable == nil {
			errs = append(errs, fmt.Errorf("%s.deliveryStream requires sinks.durable", prefix))
		}
	}

	if eh := f.ErrorHandling; eh.ErrorStream != "" {
		errs = append(errs, f.checkCluster("errorHandling.cluster", eh.ErrorCluster(f))...)
	}
	if f.ErrorHandling.ErrorDeliveryStream != "" && f.Sinks.Durable == nil {
		errs = append(errs, errors.New("errorHandling.errorDeliveryStream requires sinks.durable"))
	}

	return errors.Join(errs...)
}

func (f *FlowDefinition) checkCluster(field, name string) []error {
	if name == "" {
		return []error{fmt.Errorf("%s is required", field)}
	}
	if _, ok := f.Kafka.Clusters[name]; !ok {
		return []error{fmt.Errorf("%s: unknown cluster %q", field, name)}
	}
	return nil
}

func checkFilter(field string, fc *FilterConfig) []error {
	if fc == nil {
		return nil
	}
	set := 0
	if fc.CEL != "" {
		set++
	}
	if fc.Dedup != nil {
		set++
		if fc.Dedup.Field == "" {
			return []error{fmt.Errorf("%s.dedup.field is required", field)}
		}
	}
	if set == 0 {
		return []error{fmt.Errorf("%s must set at least one of cel or dedup", field)}
	}
	return nil
}

func checkMapper(field string, mc *MapperConfig) []error {
	if mc == nil {
		return nil
	}
	set := 0
	if mc.CEL != "" {
		set++
	}
	if len(mc.Fields) > 0 {
		set++
	}
	if len(mc.Mapping) > 0 {
		set++
	}
	if set == 0 {
		return []error{fmt.Errorf("%s must set at least one of cel, fields or mapping", field)}
	}
	return nil
}
