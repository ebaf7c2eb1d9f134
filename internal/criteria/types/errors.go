package types

import (
	"errors"
	"fmt"

	"cohort/internal/criteria"
)

var errEmptyEnrollmentConfig = errors.New("at least one of mode or enrolled_since is required")

func errUnsupportedOperator(op criteria.Operator) error {
	return fmt.Errorf("operator %q not supported", op)
}
