// Package observability provides metrics for the dispatch and status-ingestion core.
package observability

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod  = "method"
	attrRoute   = "route"
	attrStatus  = "status"
	attrMode    = "mode"
	attrReason  = "reason"
	attrKind    = "kind"
	attrResult  = "result"
	attrSuccess = "success"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

// routeAttr expects a route pattern (e.g. /api/campaigns/{id}), not a raw path.
func routeAttr(route string) attribute.KeyValue {
	if route == "" {
		route = "unmatched"
	}
	return attribute.String(attrRoute, route)
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func modeAttr(mode string) attribute.KeyValue {
	return attribute.String(attrMode, mode)
}

func reasonAttr(reason string) attribute.KeyValue {
	if reason == "" {
		reason = "none"
	}
	return attribute.String(attrReason, reason)
}

func kindAttr(kind string) attribute.KeyValue {
	return attribute.String(attrKind, kind)
}

func resultAttr(duplicate bool) attribute.KeyValue {
	if duplicate {
		return attribute.String(attrResult, "duplicate")
	}
	return attribute.String(attrResult, "processed")
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}
