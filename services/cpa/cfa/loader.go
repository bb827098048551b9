// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cfa

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// SupportedMajor is the program-file major version this package reads.
const SupportedMajor = "v1"

var (
	// ErrUnsupportedVersion is returned for program files with an
	// incompatible format_version.
	ErrUnsupportedVersion = errors.New("unsupported program format version")

	// ErrInvalidProgram is returned when a program file fails validation.
	ErrInvalidProgram = errors.New("invalid program file")
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("semver", func(fl validator.FieldLevel) bool {
		return semver.IsValid(fl.Field().String())
	})
}

// ProgramFile is the on-disk description of a CFA.
//
//	format_version: v1.0.0
//	function: main
//	entry: start
//	error: [err]
//	edges:
//	  - {from: start, to: loop, assign: "i = 0"}
//	  - {from: loop, to: err, assume: "i > 3"}
type ProgramFile struct {
	FormatVersion string     `yaml:"format_version" json:"format_version" validate:"required,semver"`
	Function      string     `yaml:"function" json:"function"`
	Entry         string     `yaml:"entry" json:"entry" validate:"required"`
	Error         []string   `yaml:"error" json:"error"`
	Edges         []EdgeSpec `yaml:"edges" json:"edges" validate:"required,min=1,dive"`
}

// EdgeSpec describes one edge. At most one of Assign and Assume is set;
// with neither the edge is blank.
type EdgeSpec struct {
	From   string `yaml:"from" json:"from" validate:"required"`
	To     string `yaml:"to" json:"to" validate:"required"`
	Assign string `yaml:"assign,omitempty" json:"assign,omitempty" validate:"excluded_with=Assume"`
	Assume string `yaml:"assume,omitempty" json:"assume,omitempty"`
}

// Load reads and builds a CFA from a YAML or JSON program file.
func Load(path string) (*CFA, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading program %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("program %s: %w", path, err)
	}
	return c, nil
}

// Parse builds a CFA from YAML or JSON program data.
func Parse(data []byte) (*CFA, error) {
	var pf ProgramFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		if jsonErr := json.Unmarshal(data, &pf); jsonErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidProgram, err)
		}
	}
	return pf.Build()
}

// Build validates the file and constructs the CFA.
func (pf *ProgramFile) Build() (*CFA, error) {
	if err := validate.Struct(pf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProgram, err)
	}
	if semver.Major(pf.FormatVersion) != SupportedMajor {
		return nil, fmt.Errorf("%w: %s (want %s.x)", ErrUnsupportedVersion, pf.FormatVersion, SupportedMajor)
	}

	function := pf.Function
	if function == "" {
		function = "main"
	}

	b := NewBuilder(function).Entry(pf.Entry)
	for _, e := range pf.Edges {
		switch {
		case e.Assign != "":
			b.Assign(e.From, e.To, e.Assign)
		case e.Assume != "":
			b.Assume(e.From, e.To, e.Assume)
		default:
			b.Blank(e.From, e.To)
		}
	}
	b.Error(pf.Error...)
	return b.Build()
}
