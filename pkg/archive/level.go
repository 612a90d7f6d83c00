package archive

import (
	"encoding/json"
	"fmt"

	"github.com/mhoffm/backupd/pkg/util"
)

// Level represents the compression effort.
type Level string

const (
	Fastest Level = "fastest"
	Default Level = "default"
	Best    Level = "best"
)

var levelToString = map[Level]string{
	Fastest: "fastest",
	Default: "default",
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
	return fmt.Sprintf("unknown_compression_level(%s)", string(l))
}

func ParseLevel(s string) (Level, error) {
	if level, ok := stringToLevel[s]; ok {
		return level, nil
	}
	return "", fmt.Errorf("invalid compression level: %q. Must be 'fastest', 'default' or 'best'", s)
}

// MarshalJSON implements the json.Marshaler interface for Level.
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for Level.
func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("compression level should be a string, got %s", data)
	}
	level, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = level
	return nil
}
