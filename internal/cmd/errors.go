package cmd

import (
	"context"
	"errors"

	"github.com/fulmenhq/gofulmen/foundry"

	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/jobstore"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/lease"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/planner"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/policy"
	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/storage"
)

// pipelineExit maps a pipeline failure to an exit error.
func pipelineExit(message string, err error) error {
	var verrs policy.ValidationErrors
	switch {
	case errors.Is(err, context.Canceled):
		return exitError(foundry.ExitSignalInt, message, err)
	case errors.Is(err, jobstore.ErrNotFound), storage.IsNotFound(err):
		return exitError(foundry.ExitFileNotFound, message, err)
	case errors.Is(err, lease.ErrConflict),
		errors.Is(err, planner.ErrAlreadyPlanned),
		errors.Is(err, planner.ErrNotPlannable),
		errors.Is(err, planner.ErrEmptyInput),
		errors.As(err, &verrs):
		return exitError(foundry.ExitInvalidArgument, message, err)
	}
	return exitError(foundry.ExitExternalServiceUnavailable, message, err)
}
