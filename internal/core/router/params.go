package router

import (
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/tileplane/internal/core/model"
	"github.com/mohammed-shakir/tileplane/internal/elevation"
)

// tileAddress reads integer z/x/y path parameters. Range checks against a
// source happen in the pipeline.
func tileAddress(r *http.Request) (model.TileAddress, error) {
	var a model.TileAddress
	for _, p := range []struct {
		name string
		dst  *int
	}{{"z", &a.Z}, {"x", &a.X}, {"y", &a.Y}} {
		v, err := strconv.Atoi(chi.URLParam(r, p.name))
		if err != nil {
			return model.TileAddress{}, fmt.Errorf("%w: %s must be an integer", model.ErrInvalidRequest, p.name)
		}
		*p.dst = v
	}
	return a, nil
}

func lonLatPoint(r *http.Request) (elevation.Point, error) {
	var vals [3]float64
	for i, name := range []string{"z", "lon", "lat"} {
		v, err := strconv.ParseFloat(chi.URLParam(r, name), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return elevation.Point{}, fmt.Errorf("%w: %s must be a finite number", model.ErrInvalidRequest, name)
		}
		vals[i] = v
	}
	return elevation.Point{Zoom: vals[0], Lon: vals[1], Lat: vals[2]}, nil
}
