package models

import (
	"fmt"
	"strings"
)

// Quantization is the weight precision a descriptor is loaded with on the
// in-process path.
type Quantization string

const (
	QuantNone Quantization = "none"
	QuantInt8 Quantization = "int8"
	QuantNF4  Quantization = "nf4"
)

// DType is the compute precision.
type DType string

const (
	DTypeFP16 DType = "fp16"
	DTypeBF16 DType = "bf16"
	DTypeFP32 DType = "fp32"
)

// QuantizationInfo provides detailed information about quantization methods
type QuantizationInfo struct {
	Name          Quantization
	Description   string
	BitsPerWeight float64
	GGUFType      string // llama.cpp file type used for this precision
	QualityLevel  string
}

var quantizationInfos = map[Quantization]QuantizationInfo{
	QuantNone: {
		Name:          QuantNone,
		Description:   "Unquantized half precision weights",
		BitsPerWeight: 16,
		GGUFType:      "F16",
		QualityLevel:  "Highest",
	},
	QuantInt8: {
		Name:          QuantInt8,
		Description:   "8-bit weights, near lossless",
		BitsPerWeight: 8.5,
		GGUFType:      "Q8_0",
		QualityLevel:  "Very High",
	},
	QuantNF4: {
		Name:          QuantNF4,
		Description:   "4-bit weights, smallest footprint",
		BitsPerWeight: 4.8,
		GGUFType:      "Q4_K_M",
		QualityLevel:  "Medium-High",
	},
}

// GetQuantizationInfo returns detailed information about a quantization mode
func GetQuantizationInfo(q Quantization) QuantizationInfo {
	if info, ok := quantizationInfos[q]; ok {
		return info
	}
	return QuantizationInfo{
		Name:         q,
		Description:  "Unknown quantization",
		QualityLevel: "Unknown",
	}
}

// ParseQuantization accepts the config spelling in any case. Empty means none.
func ParseQuantization(s string) (Quantization, error) {
	q := Quantization(strings.ToLower(strings.TrimSpace(s)))
	if q == "" {
		return QuantNone, nil
	}
	if _, ok := quantizationInfos[q]; !ok {
		return "", fmt.Errorf("unknown quantization %q (use none, int8 or nf4)", s)
	}
	return q, nil
}

// Next returns the next more aggressive quantization.
func (q Quantization) Next() (Quantization, bool) {
	switch q {
	case QuantNone, "":
		return QuantInt8, true
	case QuantInt8:
		return QuantNF4, true
	default:
		return "", false
	}
}

// ParseDType accepts the config spelling in any case. Empty means fp16.
func ParseDType(s string) (DType, error) {
	switch d := DType(strings.ToLower(strings.TrimSpace(s))); d {
	case "":
		return DTypeFP16, nil
	case DTypeFP16, DTypeBF16, DTypeFP32:
		return d, nil
	}
	return "", fmt.Errorf("unknown dtype %q (use fp16, bf16 or fp32)", s)
}
