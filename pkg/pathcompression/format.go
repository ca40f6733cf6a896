package pathcompression

import (
	"fmt"

	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// Format represents the archive format written by the compressor.
type Format string

const (
	Tar    Format = "tar"
	TarGz  Format = "tar.gz"
	TarZst Format = "tar.zst"
)

var formatToString = map[Format]string{
	Tar:    "tar",
	TarGz:  "tar.gz",
	TarZst: "tar.zst",
}

var stringToFormat map[string]Format

func init() {
	// Inverting the map at runtime ensures formatToString is fully loaded
	stringToFormat = util.InvertMap(formatToString)
}

func (f Format) String() string {
	if str, ok := formatToString[f]; ok {
		return str
	}
	return fmt.Sprintf("unknown_archive_format(%s)", string(f))
}

// ParseFormat parses a string into a Format. An empty string selects tar.gz.
func ParseFormat(s string) (Format, error) {
	if s == "" {
		return TarGz, nil
	}
	if format, ok := stringToFormat[s]; ok {
		return format, nil
	}
	return "", fmt.Errorf("invalid archive format: %q. Must be 'tar', 'tar.gz', or 'tar.zst'", s)
}

// ArchiveName returns the file name an archive of this format is written to.
func (f Format) ArchiveName() string {
	return "backup." + f.String()
}

// IsCompressed reports whether the format runs the tar stream through a compressor.
func (f Format) IsCompressed() bool {
	return f == TarGz || f == TarZst
}

// MarshalText implements the encoding.TextMarshaler interface for Format.
func (f Format) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface for Format.
func (f *Format) UnmarshalText(text []byte) error {
	format, err := ParseFormat(string(text))
	if err != nil {
		return err
	}
	*f = format
	return nil
}
