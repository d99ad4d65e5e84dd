package algorithms

import (
	"fmt"

	"xray-correction-core/pkg/xray"
)

// Filter is a noise-reduction filter that rewrites a 16-bit frame in place.
type Filter interface {
	Apply(frame *xray.ImageBuffer, params xray.NoiseReductionParams) error
	Validate(params xray.NoiseReductionParams) error
	GetName() string
	GetDescription() string
}

var filters = make(map[xray.NoiseMethod]Filter)

func Register(method xray.NoiseMethod, filter Filter) {
	filters[method] = filter
}

func Get(method xray.NoiseMethod) (Filter, bool) {
	filter, exists := filters[method]
	return filter, exists
}

// Apply validates params and runs the filter registered for params.Method.
func Apply(frame *xray.ImageBuffer, params xray.NoiseReductionParams) error {
	filter, exists := filters[params.Method]
	if !exists {
		return fmt.Errorf("noise filter not found: %s", params.Method)
	}
	if err := filter.Validate(params); err != nil {
		return fmt.Errorf("invalid %s parameters: %w", filter.GetName(), err)
	}
	return filter.Apply(frame, params)
}

// Describe returns the name and description of the filter registered for
// method.
func Describe(method xray.NoiseMethod) (name, description string, ok bool) {
	filter, exists := filters[method]
	if !exists {
		return "", "", false
	}
	return filter.GetName(), filter.GetDescription(), true
}

func IsValidMethod(method xray.NoiseMethod) bool {
	_, exists := filters[method]
	return exists
}

func GetAllFilters() map[xray.NoiseMethod]Filter {
	result := make(map[xray.NoiseMethod]Filter, len(filters))
	for method, filter := range filters {
		result[method] = filter
	}
	return result
}

func init() {
	Register(xray.NoiseGaussian, NewGaussianFilter())
	Register(xray.NoiseMedian, NewMedianFilter())
	Register(xray.NoiseBilateral, NewBilateralFilter())
}
