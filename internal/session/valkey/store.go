package sessionvalkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/valkey-io/valkey-go"
)

type ObjectType string

type store struct {
	valkey valkey.Client
	prefix string
}

func newStore(valkeyClient valkey.Client, prefix string) *store {
	prefix = strings.TrimSuffix(prefix, ":")
	return &store{
		valkey: valkeyClient,
		prefix: prefix,
	}
}

// key builds prefix:type:{id}. The braces pin all objects of one session to
// the same cluster slot so scripts may touch them together.
func (s *store) key(objectType ObjectType, objectID string) string {
	return fmt.Sprintf("%s:%s:{%s}", s.prefix, objectType, objectID)
}

// objectID is the inverse of key.
func (s *store) objectID(objectType ObjectType, key string) (string, bool) {
	id, ok := strings.CutPrefix(key, fmt.Sprintf("%s:%s:{", s.prefix, objectType))
	if !ok {
		return "", false
	}

	return strings.CutSuffix(id, "}")
}

func (s *store) setCmd(key string, bytes []byte, ttl time.Duration) valkey.Completed {
	cmd := s.valkey.B().Set().Key(key).Value(valkey.BinaryString(bytes))
	if ttl > 0 {
		return cmd.PxMilliseconds(ttl.Milliseconds()).Build()
	}

	return cmd.Build()
}

// getMany reads several keys in one round trip. Missing keys yield nil.
func (s *store) getMany(ctx context.Context, keys ...string) ([][]byte, error) {
	msgs, err := s.valkey.Do(ctx, s.valkey.B().Mget().Key(keys...).Build()).ToArray()
	if err != nil {
		return nil, fmt.Errorf("executing mget command: %w", err)
	}

	values := make([][]byte, len(msgs))
	for i, msg := range msgs {
		if msg.IsNil() {
			continue
		}
		b, err := msg.AsBytes()
		if err != nil {
			return nil, fmt.Errorf("reading mget element: %w", err)
		}
		values[i] = b
	}

	return values, nil
}

func (s *store) destroy(ctx context.Context, keys ...string) error {
	if err := s.valkey.Do(ctx, s.valkey.B().Del().Key(keys...).Build()).Error(); err != nil {
		return fmt.Errorf("executing del command: %w", err)
	}

	return nil
}

func (s *store) scan(ctx context.Context, objectType ObjectType, fn func(key string) error) error {
	match := fmt.Sprintf("%s:%s:*", s.prefix, objectType)
	var cursor uint64
	for {
		entry, err := s.valkey.Do(ctx, s.valkey.B().Scan().Cursor(cursor).Match(match).Count(100).Build()).AsScanEntry()
		if err != nil {
			return fmt.Errorf("executing scan command: %w", err)
		}

		for _, key := range entry.Elements {
			if err := fn(key); err != nil {
				return err
			}
		}

		cursor = entry.Cursor
		if cursor == 0 {
			return nil
		}
	}
}

func (s *store) encode(v any) ([]byte, error) {
	bytes, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling json: %w", err)
	}

	return bytes, nil
}

func (s *store) decode(data []byte, into any) error {
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("unmarshaling json: %w", err)
	}

	return nil
}
