// Package wire decodes key-manager responses. The service emits exactly
// two response shapes, {"key_handle": <string-or-int>} and
// {"key_buffer": "<base64-or-pem>"}, so this is a targeted field
// extractor rather than a general JSON parser. Extraction is strict:
// structural mismatches and missing fields are errors, never defaults.
package wire
