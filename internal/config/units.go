package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/go-viper/mapstructure/v2"
	"github.com/xhit/go-str2duration/v2"
)

// ByteSize is a size threshold. Its textual form accepts k/m/g/t suffixes
// meaning powers of 1024; zero means "no limit".
type ByteSize int64

// ParseByteSize parses "512", "10k", "1.5m", "2G", "1tb".
func ParseByteSize(value string) (ByteSize, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(value)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", value, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid size %q: negative", value)
	}
	return ByteSize(n), nil
}

// String renders the size using binary units.
func (b ByteSize) String() string {
	if b == 0 {
		return "0"
	}
	return units.BytesSize(float64(b))
}

// MarshalYAML keeps sizes readable in "rcbackup config" output.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return b.String(), nil
}

// ParseDuration accepts Go durations plus day and week units ("1d12h", "2w").
func ParseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	d, err := str2duration.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", value, err)
	}
	return d, nil
}

func byteSizeHook(_ reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
	if t != reflect.TypeOf(ByteSize(0)) {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return ParseByteSize(v)
	case int:
		return ByteSize(v), nil
	case int64:
		return ByteSize(v), nil
	case float64:
		return ByteSize(int64(v)), nil
	default:
		return data, nil
	}
}

func durationHook(_ reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
	if t != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return ParseDuration(v)
	case int:
		return time.Duration(v) * time.Second, nil
	default:
		return data, nil
	}
}

func targetHook(_ reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
	if t != reflect.TypeOf(Target{}) {
		return data, nil
	}
	s, ok := data.(string)
	if !ok {
		return data, nil
	}
	if strings.TrimSpace(s) == "" {
		return Target{}, nil
	}
	return ParseTarget(s)
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.DecodeHookFuncType(byteSizeHook),
		mapstructure.DecodeHookFuncType(durationHook),
		mapstructure.DecodeHookFuncType(targetHook),
	)
}
