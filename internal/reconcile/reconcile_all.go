// Copyright (c) lanzaboote-go contributors.
// Licensed under the MIT License.

package reconcile

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nix-community/lanzaboote-go/internal/logger"
	"github.com/nix-community/lanzaboote-go/internal/lzerr"
)

// Target is one ESP to reconcile, plus a way to query its free space.
// FreeBytes defaults to reporting unlimited space when nil, which is the
// right behaviour for in-memory test filesystems.
type Target struct {
	Name      string
	ESP       ESP
	FreeBytes FreeBytesFunc
}

// Result is the per-ESP outcome of one reconciliation run.
type Result struct {
	Target  string
	Diff    Diff
	Changed bool
	Err     error
}

// ReconcileAll implements the full per-ESP reconciliation loop of spec.md
// §4.F steps 2-4 across every target, aggregating failures with
// hashicorp/go-multierror so a single ESP's failure doesn't prevent others
// from being (independently) reconciled — per spec.md §5, "no ordering is
// promised; each ESP is reconciled independently."
func ReconcileAll(ctx context.Context, planned []PlannedGeneration, targets []Target) ([]Result, error) {
	ctx, span := otel.Tracer("lanzaboote-go/reconcile").Start(ctx, "ReconcileAll")
	defer span.End()

	results := make([]Result, 0, len(targets))
	var errs *multierror.Error

	for _, t := range targets {
		r := reconcileOne(ctx, planned, t)
		results = append(results, r)
		if r.Err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", t.Name, r.Err))
		}
	}

	if errs != nil {
		span.SetStatus(codes.Error, "reconciliation failed on one or more ESPs")
		span.SetAttributes(attribute.StringSlice("errors.name", lzerr.Kinds(errs)))
		return results, errs.ErrorOrNil()
	}
	return results, nil
}

func reconcileOne(_ context.Context, planned []PlannedGeneration, t Target) Result {
	inv, err := t.ESP.inventory()
	if err != nil {
		return Result{Target: t.Name, Err: lzerr.Wrap(lzerr.IOError, err, fmt.Sprintf("failed to read inventory of %s", t.Name))}
	}

	diff := ComputeDiff(inv, planned)

	if len(diff.InstallKernels) == 0 && len(diff.InstallInitrds) == 0 && len(diff.InstallUKIs) == 0 &&
		len(diff.RemoveKernels) == 0 && len(diff.RemoveInitrds) == 0 && len(diff.RemoveUKIs) == 0 {
		logger.Log.Infof("%s: already up to date", t.Name)
		return Result{Target: t.Name, Diff: diff}
	}

	free := int64(1) << 62 // effectively unlimited unless the caller wired FreeBytes
	if t.FreeBytes != nil {
		free, err = t.FreeBytes()
		if err != nil {
			return Result{Target: t.Name, Diff: diff, Err: lzerr.Wrap(lzerr.IOError, err, fmt.Sprintf("failed to query free space on %s", t.Name))}
		}
	}

	if err := CheckSpace(t.Name, free, diff); err != nil {
		return Result{Target: t.Name, Diff: diff, Err: err}
	}

	if err := Execute(t.ESP, diff); err != nil {
		return Result{Target: t.Name, Diff: diff, Err: err}
	}

	logger.Log.Infof("%s: installed %d kernels, %d initrds, %d UKIs; removed %d, %d, %d",
		t.Name, len(diff.InstallKernels), len(diff.InstallInitrds), len(diff.InstallUKIs),
		len(diff.RemoveKernels), len(diff.RemoveInitrds), len(diff.RemoveUKIs))

	return Result{Target: t.Name, Diff: diff, Changed: true}
}
