package request

import (
	"encoding/base64"
	"encoding/json"
	"math"

	"github.com/pkg/errors"
)

// Message is a tagged dictionary exchanged with the host. Values keep the
// types produced by the codec that decoded them, so getters accept every
// representation the supported codecs can produce.
type Message map[string]any

// Validate checks the fields every message must carry
func (m Message) Validate() error {
	if _, ok := m[KeyOperation]; !ok {
		return errors.New("missing operation")
	}
	op, ok := m.lookupInt(KeyOperation)
	if !ok {
		return errors.Errorf("invalid operation %v", m[KeyOperation])
	}
	if _, ok := operationNames[Operation(op)]; !ok {
		return errors.Errorf("unknown operation %d", op)
	}
	if _, ok := m[KeyFileSystemID].(string); !ok {
		return errors.Errorf("%s: missing file system id", m.Operation())
	}
	if _, ok := m[KeyRequestID].(string); !ok {
		return errors.Errorf("%s: missing request id", m.Operation())
	}
	return nil
}

// Operation returns the operation tag
func (m Message) Operation() Operation {
	return Operation(m.Int(KeyOperation))
}

// FileSystemID returns the file system the message belongs to
func (m Message) FileSystemID() string {
	return m.String(KeyFileSystemID)
}

// RequestID returns the request the message belongs to
func (m Message) RequestID() string {
	return m.String(KeyRequestID)
}

// String returns the string under key or an empty string
func (m Message) String(key string) string {
	s, _ := m[key].(string)
	return s
}

// Bool returns the bool under key or false
func (m Message) Bool(key string) bool {
	b, _ := m[key].(bool)
	return b
}

// Int returns a small native integer stored under key. Values out of the
// int range or not integral yield 0.
func (m Message) Int(key string) int {
	i, _ := m.lookupInt(key)
	return i
}

func (m Message) lookupInt(key string) (int, bool) {
	switch v := m[key].(type) {
	case int:
		return v, true
	case int8:
		return int(v), true
	case int16:
		return int(v), true
	case int32:
		return int(v), true
	case int64:
		if v < math.MinInt || v > math.MaxInt {
			return 0, false
		}
		return int(v), true
	case uint8:
		return int(v), true
	case uint16:
		return int(v), true
	case uint32:
		return int(v), true
	case uint64:
		if v > math.MaxInt {
			return 0, false
		}
		return int(v), true
	case float64:
		if v != math.Trunc(v) || v < math.MinInt32 || v > math.MaxInt32 {
			return 0, false
		}
		return int(v), true
	case json.Number:
		i, err := v.Int64()
		if err != nil || i < math.MinInt || i > math.MaxInt {
			return 0, false
		}
		return int(i), true
	}
	return 0, false
}

// Bytes returns the byte payload stored under key. JSON carries payloads as
// base64 strings, CBOR as native byte strings.
func (m Message) Bytes(key string) []byte {
	switch v := m[key].(type) {
	case []byte:
		return v
	case string:
		b, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil
		}
		return b
	}
	return nil
}

// Map returns the dictionary stored under key
func (m Message) Map(key string) map[string]any {
	switch v := m[key].(type) {
	case map[string]any:
		return v
	case Message:
		return v
	}
	return nil
}

// Volumes returns the volume set attached with WithVolumes
func (m Message) Volumes() []Volume {
	list, ok := m[KeyVolumes].([]any)
	if !ok {
		return nil
	}
	volumes := make([]Volume, 0, len(list))
	for _, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		vm := Message(entry)
		volumes = append(volumes, Volume{
			Name: vm.String(KeyName),
			Size: DecodeInt64(vm, KeySize),
		})
	}
	return volumes
}
