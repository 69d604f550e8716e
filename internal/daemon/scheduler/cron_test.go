// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scheduler

import (
	"testing"
	"time"
)

func TestParseCronValid(t *testing.T) {
	tests := []struct {
		expr string
	}{
		{"0 * * * *"},
		{"*/15 * * * *"},
		{"0 9 * * 1-5"},
		{"0 0 1 * *"},
		{"0,30 * * * *"},
		{"10-50/10 * * * *"},
		{"@hourly"},
		{"@daily"},
		{"@midnight"},
		{"@weekly"},
		{"@monthly"},
		{"@yearly"},
	}
	for _, tt := range tests {
		if _, err := ParseCron(tt.expr); err != nil {
			t.Errorf("ParseCron(%q): %v", tt.expr, err)
		}
	}
}

func TestParseCronInvalid(t *testing.T) {
	tests := []struct {
		expr string
	}{
		{""},
		{"* * * *"},
		{"* * * * * *"},
		{"60 * * * *"},
		{"* 24 * * *"},
		{"* * 0 * *"},
		{"* * * 13 *"},
		{"* * * * 7"},
		{"5-2 * * * *"},
		{"*/0 * * * *"},
		{"abc * * * *"},
	}
	for _, tt := range tests {
		if _, err := ParseCron(tt.expr); err == nil {
			t.Errorf("ParseCron(%q) succeeded, want error", tt.expr)
		}
	}
}

func TestCronNext(t *testing.T) {
	// Monday 2025-06-02 10:17 UTC.
	from := time.Date(2025, 6, 2, 10, 17, 30, 0, time.UTC)

	tests := []struct {
		expr string
		want time.Time
	}{
		{"0 * * * *", time.Date(2025, 6, 2, 11, 0, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2025, 6, 2, 10, 30, 0, 0, time.UTC)},
		{"*/5 * * * *", time.Date(2025, 6, 2, 10, 20, 0, 0, time.UTC)},
		{"0 9 * * 1-5", time.Date(2025, 6, 3, 9, 0, 0, 0, time.UTC)},
		{"0 0 1 * *", time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)},
		{"30 10 * * *", time.Date(2025, 6, 2, 10, 30, 0, 0, time.UTC)},
		{"0 0 * * 0", time.Date(2025, 6, 8, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		expr, err := ParseCron(tt.expr)
		if err != nil {
			t.Fatalf("ParseCron(%q): %v", tt.expr, err)
		}
		if got := expr.Next(from); !got.Equal(tt.want) {
			t.Errorf("Next(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestCronNextAlwaysAdvances(t *testing.T) {
	expr, err := ParseCron("* * * * *")
	if err != nil {
		t.Fatalf("ParseCron: %v", err)
	}

	at := time.Date(2025, 6, 2, 10, 17, 0, 0, time.UTC)
	next := expr.Next(at)
	if !next.After(at) {
		t.Errorf("Next(%v) = %v, not strictly after", at, next)
	}
	if want := at.Add(time.Minute); !next.Equal(want) {
		t.Errorf("Next = %v, want %v", next, want)
	}
}

func TestCronNextHonorsLocation(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	expr, err := ParseCron("0 9 * * *")
	if err != nil {
		t.Fatalf("ParseCron: %v", err)
	}

	from := time.Date(2025, 6, 2, 8, 0, 0, 0, loc)
	next := expr.Next(from)
	if next.Hour() != 9 {
		t.Errorf("Next fired at hour %d in %v, want 9 local", next.Hour(), loc)
	}
	if next.Location() != loc {
		t.Errorf("Next location = %v, want %v", next.Location(), loc)
	}
}
