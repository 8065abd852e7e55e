package commands

import (
	"testing"
	"time"
)

func TestResolveRunAt(t *testing.T) {
	if _, err := resolveRunAt(0, ""); err == nil {
		t.Error("neither --delay nor --at accepted")
	}
	if _, err := resolveRunAt(5, "2026-09-01T09:00:00Z"); err == nil {
		t.Error("--delay together with --at accepted")
	}

	before := time.Now()
	got, err := resolveRunAt(30, "")
	if err != nil {
		t.Fatal(err)
	}
	if d := got.Sub(before); d < 29*time.Minute || d > 31*time.Minute {
		t.Errorf("delay run-at off by %v", d)
	}

	got, err = resolveRunAt(0, "2026-09-01T09:00:00Z")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("at run-at = %v", got)
	}

	if _, err := resolveRunAt(0, "tomorrow"); err == nil {
		t.Error("non-RFC3339 --at accepted")
	}
}

func TestParseFields(t *testing.T) {
	fields, err := parseFields(
		[]string{"status:string:required", "branch:string", "count:integer"},
		[]string{"status=passed,failed"},
		[]string{"branch=120"},
	)
	if err != nil {
		t.Fatal(err)
	}
	if len(fields) != 3 {
		t.Fatalf("fields = %v", fields)
	}
	st := fields["status"]
	if !st.Required || len(st.Enum) != 2 || st.Enum[0] != "passed" {
		t.Errorf("status spec = %+v", st)
	}
	if fields["branch"].MaxLength != 120 {
		t.Errorf("branch spec = %+v", fields["branch"])
	}
	if fields["count"].Type != "integer" || fields["count"].Required {
		t.Errorf("count spec = %+v", fields["count"])
	}

	bad := [][3][]string{
		{{"nameonly"}, nil, nil},
		{{"x:string:sometimes"}, nil, nil},
		{{"x:string"}, {"y=a,b"}, nil},
		{{"x:string"}, nil, {"x=zero"}},
		{{"x:string"}, nil, {"missing"}},
	}
	for _, tt := range bad {
		if _, err := parseFields(tt[0], tt[1], tt[2]); err == nil {
			t.Errorf("accepted bad flags %v", tt)
		}
	}
}
