package main

import (
	"encoding/json"
	"fmt"
	"strings"

	coreerrors "github.com/evidara/trialtrace/core/errors"
)

const (
	exitOK              = 0
	exitInternalFailure = 1
	exitInvalidInput    = 2
	exitVerifyFailed    = 3
	exitPhaseViolation  = 4
)

// writeJSONOutput prints output as a single JSON line, filling the
// error envelope fields (error_code, error_category, hint) when the
// output carries an error, and returns exitCode unchanged.
func writeJSONOutput(output any, exitCode int) int {
	encoded, err := marshalOutputWithErrorEnvelope(output, exitCode)
	if err != nil {
		fmt.Println(`{"ok":false,"error":"failed to encode output","error_code":"encode_failed","error_category":"internal_failure"}`)
		return exitInternalFailure
	}
	fmt.Println(string(encoded))
	return exitCode
}

func marshalOutputWithErrorEnvelope(output any, exitCode int) ([]byte, error) {
	encoded, err := json.Marshal(output)
	if err != nil {
		return nil, err
	}
	result := map[string]any{}
	if err := json.Unmarshal(encoded, &result); err != nil {
		return nil, err
	}
	errorText, _ := result["error"].(string)
	if strings.TrimSpace(errorText) == "" {
		return encoded, nil
	}
	if code, _ := result["error_code"].(string); strings.TrimSpace(code) == "" {
		result["error_code"] = defaultErrorCode(exitCode)
	}
	if category, _ := result["error_category"].(string); strings.TrimSpace(category) == "" {
		result["error_category"] = string(defaultErrorCategory(exitCode))
	}
	if hint, _ := result["hint"].(string); strings.TrimSpace(hint) == "" {
		result["hint"] = defaultHint(exitCode)
	}
	return json.Marshal(result)
}

func exitCodeForError(err error, fallbackExit int) int {
	if err == nil {
		return exitOK
	}
	switch coreerrors.CategoryOf(err) {
	case coreerrors.CategoryInvalidInput, coreerrors.CategorySerialization:
		return exitInvalidInput
	case coreerrors.CategoryPhaseViolation:
		return exitPhaseViolation
	case coreerrors.CategoryVerification:
		return exitVerifyFailed
	case coreerrors.CategoryIOFailure, coreerrors.CategoryInternalFailure:
		return exitInternalFailure
	}
	return fallbackExit
}

func defaultErrorCategory(exitCode int) coreerrors.Category {
	switch exitCode {
	case exitInvalidInput:
		return coreerrors.CategoryInvalidInput
	case exitVerifyFailed:
		return coreerrors.CategoryVerification
	case exitPhaseViolation:
		return coreerrors.CategoryPhaseViolation
	default:
		return coreerrors.CategoryInternalFailure
	}
}

func defaultErrorCode(exitCode int) string {
	switch exitCode {
	case exitInvalidInput:
		return "invalid_input"
	case exitVerifyFailed:
		return "verification_failed"
	case exitPhaseViolation:
		return "phase_violation"
	default:
		return "internal_failure"
	}
}

func defaultHint(exitCode int) string {
	switch exitCode {
	case exitInvalidInput:
		return "check command usage and input values"
	case exitVerifyFailed:
		return "inspect the verifier findings before trusting the artifacts"
	case exitPhaseViolation:
		return "check the session status for the operations its phase permits"
	default:
		return "retry after checking local environment and logs"
	}
}

func hasExplainFlag(arguments []string) bool {
	for _, argument := range arguments {
		if argument == "--explain" {
			return true
		}
	}
	return false
}

func writeExplain(text string) int {
	fmt.Println(text)
	return exitOK
}
