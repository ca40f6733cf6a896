package pathcompression

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// Level represents the desired trade-off between speed and size of the compression.
type Level string

const (
	Default Level = "default"
	Fastest Level = "fastest"
	Better  Level = "better"
	Best    Level = "best"
)

var levelToString = map[Level]string{
	Default: "default",
	Fastest: "fastest",
	Better:  "better",
	Best:    "best",
}

var stringToLevel map[string]Level

func init() {
	stringToLevel = util.InvertMap(levelToString)
}

func (l Level) String() string {
	if str, ok := levelToString[l]; ok {
		return str
	}
	return string(Default)
}

// ParseLevel parses a string into a compression Level.
// It defaults to default level if the string is empty.
func ParseLevel(s string) (Level, error) {
	if s == "" {
		return Default, nil
	}
	if l, ok := stringToLevel[s]; ok {
		return l, nil
	}
	return "", fmt.Errorf("invalid compression level: %q. Must be 'default', 'fastest', 'better', or 'best'", s)
}

// gzipLevel maps the level onto a pgzip compression level.
func (l Level) gzipLevel() int {
	switch l {
	case Fastest:
		return pgzip.BestSpeed
	case Better:
		return 6 // Good balance
	case Best:
		return pgzip.BestCompression
	default:
		return pgzip.DefaultCompression
	}
}

// zstdLevel maps the level onto a zstd encoder level.
func (l Level) zstdLevel() zstd.EncoderLevel {
	switch l {
	case Fastest:
		return zstd.SpeedFastest
	case Better:
		return zstd.SpeedBetterCompression
	case Best:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}

// MarshalText implements the encoding.TextMarshaler interface.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (l *Level) UnmarshalText(text []byte) error {
	level, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = level
	return nil
}
