package messagequeue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject. Unknown subjects pass validation.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	id, ok := parseStatusSubject(subject)
	if !ok {
		return nil
	}

	var p ExecutionStatusPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("schema validation failed for %s: %w", subject, err)
	}
	if p.ExecutionID != id {
		return fmt.Errorf("schema validation failed for %s: %w", subject,
			errors.New("execution_id does not match subject"))
	}
	if p.Status == "" {
		return fmt.Errorf("schema validation failed for %s: %w", subject, errors.New("status is required"))
	}
	return nil
}

func parseStatusSubject(subject string) (int64, bool) {
	rest, ok := strings.CutPrefix(subject, subjectExecutionPrefix)
	if !ok {
		return 0, false
	}
	rest, ok = strings.CutSuffix(rest, subjectStatusSuffix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
