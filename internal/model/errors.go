package model

import "errors"

// Sentinel errors shared across the portal. Validation failures are detected
// before any store or filesystem work; I/O failures are wrapped with
// operation context and surfaced, never retried here.
var (
	// ErrNotFound is an unknown layer reference. It is only ever produced by
	// the catalog; no other component compares client input to table names.
	ErrNotFound = errors.New("layer not found")

	// ErrServiceUnavailable marks store connectivity failures.
	ErrServiceUnavailable = errors.New("data store unavailable")

	// ErrEmptySelection means a selection resolved to no usable rows.
	ErrEmptySelection = errors.New("selection is empty")

	// ErrNoValidLayers means a merge request named no resolvable layer with
	// a non-empty selection.
	ErrNoValidLayers = errors.New("no valid layers in merge request")

	// ErrIncompatibleGeometryMix means mixed geometry classes were exported
	// into a single-geometry-type container.
	ErrIncompatibleGeometryMix = errors.New("mixed geometry types cannot be written to a shapefile")

	// ErrExportFailed wraps I/O failures that abort an export job.
	ErrExportFailed = errors.New("export failed")

	// Ingestion failures.
	ErrInvalidName    = errors.New("layer name is not a valid identifier")
	ErrNameConflict   = errors.New("layer name already in use")
	ErrInvalidArchive = errors.New("invalid archive")
	ErrEmptyDataset   = errors.New("dataset contains no features")
	ErrWriteFailed    = errors.New("failed to write layer")
)
