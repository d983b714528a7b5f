package coords

import (
	"errors"
	"math"
	"testing"
)

func TestMultiplyOrder(t *testing.T) {
	// scale then translate
	m := Scale(2, 2).Multiply(Translate(10, 0))
	p := m.Transform(Point{1, 1})
	if p != (Point{12, 2}) {
		t.Fatalf("got %+v", p)
	}
}

func TestInverse(t *testing.T) {
	m := Matrix{2, 1, 0.5, 3, 7, -4}
	inv, err := m.Inverse()
	if err != nil {
		t.Fatal(err)
	}
	if !m.Multiply(inv).IsIdentity(1e-9) {
		t.Fatalf("m * inv = %v", m.Multiply(inv))
	}
	if _, err := Scale(0, 1).Inverse(); !errors.Is(err, ErrSingular) {
		t.Fatalf("expected ErrSingular, got %v", err)
	}
}

func TestRotateAndRect(t *testing.T) {
	r := Rotate(math.Pi / 2).TransformRect(Rect{0, 0, 10, 20})
	want := Rect{-20, 0, 0, 10}
	if !(Matrix{r.LLX, r.LLY, r.URX, r.URY}).Equal(Matrix{want.LLX, want.LLY, want.URX, want.URY}, 1e-9) {
		t.Fatalf("got %+v want %+v", r, want)
	}
	if n := (Rect{5, 5, 0, 0}).Normalize(); n != (Rect{0, 0, 5, 5}) {
		t.Fatalf("normalize: %+v", n)
	}
}
