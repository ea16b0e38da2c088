package dnaproxy

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/cpunk-club/cpunk-verifier/pkg/models"
)

// The DNA proxy answers with JSON objects of several shapes, bare JSON strings, or
// plain text. body holds whichever of obj or text applies. malformed marks a reply
// that did not parse as JSON at all.
type body struct {
	obj       map[string]interface{}
	text      string
	isText    bool
	malformed bool
}

func decodeBody(raw []byte) body {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return body{text: string(raw), isText: true, malformed: true}
	}
	switch val := v.(type) {
	case map[string]interface{}:
		return body{obj: val}
	case string:
		return body{text: val, isText: true}
	}
	return body{obj: map[string]interface{}{}}
}

func (b body) intField(key string) (int, bool) {
	f, ok := b.obj[key].(float64)
	if !ok {
		return 0, false
	}
	return int(f), f == float64(int(f))
}

func (b body) stringField(key string) string {
	s, _ := b.obj[key].(string)
	return s
}

func (b body) boolField(key string) bool {
	v, _ := b.obj[key].(bool)
	return v
}

func (b body) has(key string) bool {
	v, ok := b.obj[key]
	return ok && v != nil
}

// errorMessage returns the proxy's {"error": ...} message, if any
func (b body) errorMessage() string {
	switch v := b.obj["error"].(type) {
	case string:
		return v
	case bool:
		if v {
			return "error"
		}
	case nil:
		return ""
	default:
		return "error"
	}
	return ""
}

// IsVerifiedResponse reports whether a tx_validate reply confirms the transaction:
// a numeric status_code of 0 together with message "OK". Replies that are not JSON are
// matched on the same two fields as substrings. Any JSON other than an object is unverified.
func IsVerifiedResponse(raw []byte) bool {
	b := decodeBody(raw)
	if b.malformed {
		return strings.Contains(b.text, `"status_code": 0`) && strings.Contains(b.text, `"message": "OK"`)
	}
	code, ok := b.intField("status_code")
	return ok && code == 0 && b.stringField("message") == "OK"
}

func alreadyRegisteredDescription(desc string) bool {
	return strings.Contains(desc, "use update method") || strings.Contains(desc, "already registered")
}

// parseLookup normalizes a lookup reply into a LookupResult
func parseLookup(raw []byte) models.LookupResult {
	b := decodeBody(raw)
	if b.isText {
		return models.LookupResult{
			Found:   !(strings.Contains(b.text, "not found") || strings.Contains(b.text, "No matching")),
			RawText: b.text,
		}
	}

	result := models.LookupResult{
		Wallet:         b.stringField("wallet"),
		RawDescription: b.stringField("description"),
	}
	code, hasCode := b.intField("status_code")
	if hasCode {
		result.RawStatusCode = &code
	}

	if data, ok := b.obj["response_data"].(map[string]interface{}); ok {
		if names, ok := data["registered_names"].(map[string]interface{}); ok {
			for name := range names {
				result.Names = append(result.Names, name)
			}
			sort.Strings(result.Names)
		}
		if result.Wallet == "" {
			result.Wallet, _ = data["wallet"].(string)
		}
	}

	desc := result.RawDescription
	if hasCode && code == -1 && alreadyRegisteredDescription(desc) {
		result.Found = true
		result.AlreadyOwned = true
		return result
	}

	notFound := b.errorMessage() != "" ||
		b.stringField("message") == "not found" ||
		(hasCode && code == -1) ||
		strings.Contains(desc, "not found")
	result.Found = !notFound
	return result
}

// registeredNames extracts the DNA names bound to an address from a lookup reply
func registeredNames(raw []byte) []string {
	b := decodeBody(raw)
	if b.isText {
		return nil
	}
	code, ok := b.intField("status_code")
	if !ok || code != 0 || !b.has("response_data") {
		return nil
	}
	return parseLookup(raw).Names
}

// RegisterResult is the outcome of an "add" request
type RegisterResult struct {
	Success           bool
	AlreadyRegistered bool
	Message           string
}

func parseRegister(raw []byte) RegisterResult {
	b := decodeBody(raw)
	if b.isText {
		return RegisterResult{
			Success: strings.Contains(b.text, "success") && !strings.Contains(b.text, "false"),
			Message: b.text,
		}
	}

	code, hasCode := b.intField("status_code")
	result := RegisterResult{
		Success: b.boolField("success") || b.stringField("status") == "ok" || (hasCode && code == 0),
		Message: firstNonEmpty(b.stringField("description"), b.stringField("message"), b.errorMessage()),
	}
	if !result.Success && hasCode && code == -1 && alreadyRegisteredDescription(b.stringField("description")) {
		result.Success = true
		result.AlreadyRegistered = true
	}
	return result
}

// parseUpdate reads the reply to "update" and "update_reservation" requests
func parseUpdate(raw []byte) (bool, string) {
	b := decodeBody(raw)
	if b.isText {
		return strings.Contains(b.text, "success") && !strings.Contains(b.text, "false"), b.text
	}
	code, hasCode := b.intField("status_code")
	ok := b.stringField("status") == "ok" || b.boolField("success") || (hasCode && code == 0)
	return ok, firstNonEmpty(b.errorMessage(), b.stringField("description"), b.stringField("message"))
}

type reservationResponse struct {
	Reserved       bool   `json:"reserved"`
	WalletReserved bool   `json:"wallet_reserved"`
	Error          string `json:"error"`
}

type attendeesResponse struct {
	StatusCode int               `json:"status_code"`
	Attendees  []models.Attendee `json:"attendees"`
	Error      string            `json:"error"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
