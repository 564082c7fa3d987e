package selection

import (
	"errors"
	"reflect"
	"testing"

	"github.com/omondi/geoportal/internal/model"
)

func TestResolve_IntersectionSemantics(t *testing.T) {
	cases := []struct {
		name       string
		candidates []int
		rowCount   int
		want       []int
	}{
		{"all in range", []int{3, 1, 2}, 5, []int{1, 2, 3}},
		{"stale ids dropped", []int{1, 7, 99}, 5, []int{1}},
		{"duplicates collapse", []int{2, 2, 2, 4}, 5, []int{2, 4}},
		{"zero and negatives dropped", []int{0, -3, 5}, 5, []int{5}},
		{"boundaries inclusive", []int{1, 5}, 5, []int{1, 5}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := Resolve(c.candidates, c.rowCount)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if !reflect.DeepEqual(got, c.want) {
				t.Fatalf("Resolve=%v want %v", got, c.want)
			}
		})
	}
}

func TestResolve_EmptyIntersection(t *testing.T) {
	for _, candidates := range [][]int{{}, {0}, {6, 7}, {-1}} {
		_, err := Resolve(candidates, 5)
		if !errors.Is(err, model.ErrEmptySelection) {
			t.Fatalf("Resolve(%v, 5): err=%v want ErrEmptySelection", candidates, err)
		}
	}
}

func TestResolve_EmptyLayer(t *testing.T) {
	_, err := Resolve([]int{1, 2}, 0)
	if !errors.Is(err, model.ErrEmptySelection) {
		t.Fatalf("err=%v want ErrEmptySelection", err)
	}
}
