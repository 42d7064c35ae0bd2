package kafka

import segkafka "github.com/segmentio/kafka-go"

// HeaderCarrier lets the OpenTelemetry propagator read and write trace
// context on Kafka message headers.
type HeaderCarrier []segkafka.Header

func (c HeaderCarrier) Get(key string) string {
	for _, h := range c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// Set replaces any existing header with the same key.
func (c *HeaderCarrier) Set(key, value string) {
	kept := (*c)[:0]
	for _, h := range *c {
		if h.Key != key {
			kept = append(kept, h)
		}
	}
	*c = append(kept, segkafka.Header{Key: key, Value: []byte(value)})
}

func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for _, h := range c {
		keys = append(keys, h.Key)
	}
	return keys
}

// withHeader returns headers plus key=value, keeping trace headers intact.
func withHeader(headers HeaderCarrier, key, value string) HeaderCarrier {
	headers.Set(key, value)
	return headers
}
