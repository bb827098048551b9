// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParsePersonalityLevel(t *testing.T) {
	tests := []struct {
		input string
		want  PersonalityLevel
	}{
		{"standard", PersonalityStandard},
		{"STANDARD", PersonalityStandard},
		{"minimal", PersonalityMinimal},
		{"m", PersonalityMinimal},
		{"machine", PersonalityMachine},
		{" plain ", PersonalityMachine},
		{"q", PersonalityMachine},
		{"", PersonalityStandard},
		{"bogus", PersonalityStandard},
	}
	for _, tt := range tests {
		if got := ParsePersonalityLevel(tt.input); got != tt.want {
			t.Errorf("ParsePersonalityLevel(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestDetectPersonality_EnvOverride(t *testing.T) {
	t.Setenv(EnvPersonality, "minimal")

	if got := DetectPersonality(nil); got != PersonalityMinimal {
		t.Errorf("expected %q, got %q", PersonalityMinimal, got)
	}
}

func TestDetectPersonality_RegularFileIsMachine(t *testing.T) {
	t.Setenv(EnvPersonality, "")
	f, err := os.Create(filepath.Join(t.TempDir(), "out.txt"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	if IsTerminal(f) {
		t.Error("a regular file is not a terminal")
	}
	if got := DetectPersonality(f); got != PersonalityMachine {
		t.Errorf("expected %q, got %q", PersonalityMachine, got)
	}
}

func TestIsTerminal_Nil(t *testing.T) {
	if IsTerminal(nil) {
		t.Error("nil file is not a terminal")
	}
}
