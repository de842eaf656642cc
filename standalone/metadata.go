// Package standalone turns a base executable into a self-contained program by
// appending compiled scripts to it, and finds those scripts again at startup.
//
// A packaged image is laid out as
//
//	[base executable][lz4 frame of CBOR metadata][length][magic]
//
// where length is the size of the lz4 frame as a varint of one to three
// bytes, readable backwards from the magic marker.
package standalone

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	// ErrNotStandalone means the image carries no trailer.
	ErrNotStandalone = errors.New("not a standalone executable")
	// ErrCorrupt means the magic marker is present but the trailer cannot be
	// decoded.
	ErrCorrupt = errors.New("corrupt standalone trailer")
	// ErrTooLarge means the compressed metadata does not fit the length field.
	ErrTooLarge = errors.New("standalone metadata too large")
	// ErrNoScripts means a trailer was found but holds no scripts.
	ErrNoScripts = errors.New("standalone metadata contains no scripts")
)

// Script is one packaged script: the path it was built from, relative to the
// build directory, and its compiled form.
type Script struct {
	_        struct{} `cbor:",toarray"`
	Path     string
	Bytecode []byte
}

// Metadata is everything appended to a standalone executable. The first
// script is the entry point.
type Metadata struct {
	_       struct{} `cbor:",toarray"`
	Scripts []Script
}

// Entry returns the entry-point script.
func (m *Metadata) Entry() (Script, error) {
	if len(m.Scripts) == 0 {
		return Script{}, ErrNoScripts
	}
	return m.Scripts[0], nil
}

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("standalone: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

func marshalMetadata(m *Metadata) ([]byte, error) {
	return cborEncMode.Marshal(m)
}

func unmarshalMetadata(data []byte) (*Metadata, error) {
	var m Metadata
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &m, nil
}
