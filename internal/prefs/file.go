package prefs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"

	yaml "go.yaml.in/yaml/v3"

	logx "summaryd/pkg/logx"
)

// FileSource reads preferences from a YAML file.
//
// The file is a list of entries:
//
//	- user_id: "u-123"
//	  enabled: true
//	  time_of_day: "09:00"
//
// It is re-read on every ListEnabled call so edits take effect on the next
// tick without a restart. Entries with an invalid time_of_day are skipped
// with a warning rather than failing the whole read (one bad row must not
// block every other user's schedule).
type FileSource struct {
	path string
	log  logx.Logger
}

func NewFileSource(path string, log logx.Logger) *FileSource {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &FileSource{path: path, log: log}
}

func (f *FileSource) ListEnabled(ctx context.Context) ([]Preference, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}

	var all []Preference
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&all); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	out := make([]Preference, 0, len(all))
	for _, p := range all {
		if !p.Enabled {
			continue
		}
		if p.UserID == "" {
			f.log.Warn("preference entry missing user_id; skipping")
			continue
		}
		if _, _, err := ParseTimeOfDay(p.TimeOfDay); err != nil {
			f.log.Warn("preference entry has invalid time_of_day; skipping",
				logx.String("user", p.UserID), logx.Err(err))
			continue
		}
		out = append(out, p)
	}
	return out, nil
}
