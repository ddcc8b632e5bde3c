package telemetry

import "go.opentelemetry.io/otel/attribute"

// attrsFromTags converts a flat "key", "value", "key", "value", ... slice,
// the form IncCounter/RecordTimer/RecordGauge accept, into OTel attributes,
// dropping a dangling trailing key rather than panicking.
func attrsFromTags(tags []string) []attribute.KeyValue {
	if len(tags) == 0 {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		attrs = append(attrs, attribute.String(tags[i], tags[i+1]))
	}
	return attrs
}
