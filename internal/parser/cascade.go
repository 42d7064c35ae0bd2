// Package parser recovers structured records from untrusted generative text.
package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/WhitePlusMS/ink-survivor-sub000/pkg/telemetry"
)

// ErrUnrecoverable is returned when no cascade step yields a valid document.
var ErrUnrecoverable = errors.New("unrecoverable generative output")

// Transform is one repair step.
type Transform interface {
	Name() string
	Apply(in string) (string, error)
}

// Cascade runs transforms in order. Each step sees the previous step's
// output and the first output that validates wins.
type Cascade []Transform

// DefaultCascade is the standard repair order for s.
func DefaultCascade(s *Schema) Cascade {
	return Cascade{
		stripFences{schema: s},
		extractRegion{},
		escapeFreeText{schema: s},
		repairStructure{},
		extractFields{schema: s},
	}
}

// Result reports which step produced the accepted document. Step is
// "as-is" when the input was already valid.
type Result struct {
	Doc  json.RawMessage
	Step string
}

// Run repairs raw until it validates against s.
func (c Cascade) Run(raw string, s *Schema) (Result, error) {
	cur := strings.TrimSpace(raw)
	if doc, err := s.Check(cur); err == nil {
		return Result{Doc: doc, Step: "as-is"}, nil
	}

	var (
		lastErr error
		first   string
	)
	for i, t := range c {
		in := cur
		if _, ok := t.(interface{ fromFirst() }); ok && first != "" {
			in = first
		}
		out, err := t.Apply(in)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", t.Name(), err)
			continue
		}
		if i == 0 {
			first = out
		}
		doc, err := s.Check(out)
		if err == nil {
			return Result{Doc: doc, Step: t.Name()}, nil
		}
		lastErr = fmt.Errorf("%s: %w", t.Name(), err)
		cur = out
	}
	if lastErr == nil {
		lastErr = errors.New("empty cascade")
	}
	return Result{}, fmt.Errorf("%w (%s): %v", ErrUnrecoverable, s.Name, lastErr)
}

// Repair runs the default cascade for s and records which step succeeded.
func Repair(raw string, s *Schema) (json.RawMessage, error) {
	res, err := DefaultCascade(s).Run(raw, s)
	if err != nil {
		telemetry.ParserFailuresTotal.WithLabelValues(s.Name).Inc()
		return nil, err
	}
	telemetry.ParserRecoveriesTotal.WithLabelValues(s.Name, res.Step).Inc()
	return res.Doc, nil
}

// Decode repairs raw and unmarshals it into T.
func Decode[T any](raw string, s *Schema) (T, error) {
	var out T
	doc, err := Repair(raw, s)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(doc, &out); err != nil {
		return out, fmt.Errorf("%w (%s): %v", ErrUnrecoverable, s.Name, err)
	}
	return out, nil
}
