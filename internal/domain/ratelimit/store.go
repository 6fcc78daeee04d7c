package ratelimit

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// ErrCorruptState is returned when the persisted file cannot be decoded.
var ErrCorruptState = errors.New("rate limit state corrupt")

// encMode uses Core Deterministic Encoding so identical tables produce identical files.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("ratelimit: CBOR encoder initialization failed: " + err.Error())
	}
}

// fileState is the on-disk layout: hashed key -> unix milliseconds.
type fileState struct {
	Version int              `cbor:"1,keyasint"`
	Last    map[string]int64 `cbor:"2,keyasint"`
}

const stateVersion = 1

func loadFile(path string) (map[string]time.Time, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]time.Time), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var st fileState
	if err := cbor.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorruptState, path, err)
	}
	if st.Version != stateVersion {
		return nil, fmt.Errorf("%w: %s: version %d", ErrCorruptState, path, st.Version)
	}
	out := make(map[string]time.Time, len(st.Last))
	for k, ms := range st.Last {
		out[k] = time.UnixMilli(ms)
	}
	return out, nil
}

// saveFile writes atomically through a temp file in the same directory.
func saveFile(path string, last map[string]time.Time) error {
	st := fileState{Version: stateVersion, Last: make(map[string]int64, len(last))}
	for k, t := range last {
		st.Last[k] = t.UnixMilli()
	}
	data, err := encMode.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".ratelimit-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
