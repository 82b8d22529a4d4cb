package services

import (
	"strings"
	"testing"

	"instrument-ledger/internal/models"
)

func TestCalculateDiscount(t *testing.T) {
	cap5000 := int64(5000)
	zeroCap := int64(0)

	tests := []struct {
		name          string
		compType      models.CompensationType
		value         int64
		maxDiscount   *int64
		subtotal      int64
		wantAmount    int64
		wantDelegated bool
	}{
		{"percent capped", models.CompensationPercentDiscount, 20, &cap5000, 100000, 5000, false},
		{"percent under cap", models.CompensationPercentDiscount, 20, &cap5000, 10000, 2000, false},
		{"percent no cap", models.CompensationPercentDiscount, 10, nil, 12345, 1234, false},
		{"percent zero cap", models.CompensationPercentDiscount, 50, &zeroCap, 1000, 0, false},
		{"percent above 100 clamps", models.CompensationPercentDiscount, 150, nil, 1000, 1000, false},
		{"fixed below subtotal", models.CompensationFixedDiscount, 1500, nil, 9000, 1500, false},
		{"fixed above subtotal", models.CompensationFixedDiscount, 1500, nil, 900, 900, false},
		{"negative subtotal", models.CompensationFixedDiscount, 1500, nil, -10, 0, false},
		{"free shipping", models.CompensationFreeShipping, 0, nil, 4000, 0, true},
		{"free item", models.CompensationFreeItem, 0, nil, 4000, 0, true},
		{"unknown type", models.CompensationType("cashback"), 10, nil, 4000, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			amount, delegated := CalculateDiscount(tt.compType, tt.value, tt.maxDiscount, tt.subtotal)
			if amount != tt.wantAmount || delegated != tt.wantDelegated {
				t.Fatalf("got (%d, %v), want (%d, %v)", amount, delegated, tt.wantAmount, tt.wantDelegated)
			}
		})
	}
}

func TestValidatePolicy(t *testing.T) {
	negative := int64(-1)
	bad := []*models.CompensationPolicy{
		{CompensationType: "cashback"},
		{CompensationType: models.CompensationPercentDiscount, CompensationValue: 101},
		{CompensationType: models.CompensationFixedDiscount, CompensationValue: -5},
		{CompensationType: models.CompensationFixedDiscount, MaxDiscountAmount: &negative},
		{CompensationType: models.CompensationFreeItem, ValidityDays: -1},
	}
	for i, p := range bad {
		if msg := validatePolicy(p); msg == "" {
			t.Fatalf("case %d: expected validation message", i)
		}
	}

	if msg := validatePolicy(&models.CompensationPolicy{CompensationType: models.CompensationPercentDiscount, CompensationValue: 25, ValidityDays: 30}); msg != "" {
		t.Fatalf("expected valid policy, got %q", msg)
	}
}

func TestCodeGenerator(t *testing.T) {
	gen := NewCodeGenerator(" gc ", 12)
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		code, err := gen.Generate()
		if err != nil {
			t.Fatalf("generate failed: %v", err)
		}
		if !strings.HasPrefix(code, "GC-") || len(code) != 15 {
			t.Fatalf("unexpected code %q", code)
		}
		for _, r := range strings.TrimPrefix(code, "GC-") {
			if !strings.ContainsRune(codeAlphabet, r) {
				t.Fatalf("code %q has symbol outside alphabet", code)
			}
		}
		if seen[code] {
			t.Fatalf("duplicate code %q", code)
		}
		seen[code] = true
	}

	short := NewCodeGenerator("", 2)
	code, err := short.Generate()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if len(code) != 6 || strings.Contains(code, "-") {
		t.Fatalf("expected bare 6-symbol code, got %q", code)
	}
}

func TestNormalizePage(t *testing.T) {
	if l, o := normalizePage(0, -3); l != defaultPageSize || o != 0 {
		t.Fatalf("unexpected defaults %d %d", l, o)
	}
	if l, _ := normalizePage(1000, 0); l != maxPageSize {
		t.Fatalf("expected limit clamped to %d, got %d", maxPageSize, l)
	}
	if optionalString("  ") != nil {
		t.Fatalf("expected nil for blank string")
	}
	if s := optionalString(" x "); s == nil || *s != "x" {
		t.Fatalf("expected trimmed value")
	}
}
