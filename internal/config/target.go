package config

import (
	"fmt"
	"strings"
)

const (
	TargetPNNX = "pnnx"
	TargetNCNN = "ncnn"
	TargetONNX = "onnx"
)

const (
	FormatText = "text"
	FormatJSON = "json"
)

// NormalizeTarget canonicalizes a target engine name. An empty value is
// kept empty and means "use the scenario's own target".
func NormalizeTarget(raw string) (string, error) {
	target := strings.ToLower(strings.TrimSpace(raw))
	switch target {
	case "", TargetPNNX, TargetNCNN, TargetONNX:
		return target, nil
	case "ort", "onnxruntime":
		return TargetONNX, nil
	default:
		return "", fmt.Errorf(
			"invalid target %q (expected %s|%s|%s)",
			raw,
			TargetPNNX,
			TargetNCNN,
			TargetONNX,
		)
	}
}

func NormalizeFormat(raw string) (string, error) {
	format := strings.ToLower(strings.TrimSpace(raw))
	switch format {
	case "":
		return FormatText, nil
	case FormatText, FormatJSON:
		return format, nil
	default:
		return "", fmt.Errorf("invalid report format %q (expected %s|%s)", raw, FormatText, FormatJSON)
	}
}
