package services

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// mapRepoError normalizes errors bubbling out of the repository into the
// engine's taxonomy. ServiceErrors pass through untouched; Postgres
// constraint and lock errors become their taxonomy equivalents; anything
// else is an opaque storage failure.
func mapRepoError(err error) error {
	if err == nil {
		return nil
	}

	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return newServiceError(http.StatusNotFound, CodeNodeNotFound, "not found", err)
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return newServiceError(http.StatusInternalServerError, CodeStorage, "storage failure", err)
	}

	switch pgErr.Code {
	case "23505": // unique_violation
		switch pgErr.ConstraintName {
		case "referral_nodes_subject_active_key":
			recordWriteConflict("duplicate_subject")
			return newServiceError(http.StatusConflict, CodeDuplicateSubject, "subject already placed in this tree", err)
		case "referral_nodes_sibling_position_key":
			recordWriteConflict("position")
			return newServiceError(http.StatusConflict, CodePositionConflict, "sibling position already taken", err)
		default:
			recordWriteConflict("unique")
			return newServiceError(http.StatusConflict, CodePositionConflict, "unique constraint violated", err)
		}
	case "23503": // foreign_key_violation
		recordWriteConflict("foreign_key")
		return newServiceError(http.StatusUnprocessableEntity, CodeParentNotFound, "referenced row not found", err)
	case "55P03": // lock_not_available
		recordWriteConflict("lock_timeout")
		return newServiceError(http.StatusConflict, CodeTreeBusy, "tree is locked by a concurrent mutation", err)
	case "40001", "40P01": // serialization_failure, deadlock_detected
		recordWriteConflict("serialization")
		return newServiceError(http.StatusConflict, CodeTreeBusy, "concurrent mutation conflict", err)
	default:
		if strings.HasPrefix(pgErr.Code, "23") {
			recordWriteConflict("constraint")
			return newServiceError(http.StatusConflict, CodePositionConflict, "integrity constraint violated", err)
		}
		return newServiceError(http.StatusInternalServerError, CodeStorage, fmt.Sprintf("database error (%s)", pgErr.Code), err)
	}
}
