package dllbisect

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/otiai10/copy"
	"golang.org/x/sync/errgroup"
)

// A TargetHandle identifies the installation under test.
// It is the only shared state between the materializer and the probe.
type TargetHandle struct {
	ID string // Human readable identifier, used in logs and container names

	Root     string // Root directory of the installation under test
	Snapshot string // Root directory of the pristine backup of the installation
}

// NewTargetHandle returns a handle for the installation at root.
// If snapshot is empty, the snapshot lives next to root with a ".pristine" suffix.
func NewTargetHandle(root, snapshot string) TargetHandle {
	root = filepath.Clean(root)
	if snapshot == "" {
		snapshot = root + ".pristine"
	}
	return TargetHandle{
		ID:       filepath.Base(root),
		Root:     root,
		Snapshot: filepath.Clean(snapshot),
	}
}

// A Materializer prepares the target installation for one trial.
// After Materialize returns successfully, the target consists of its pristine snapshot overlaid with exactly the passed set.
type Materializer interface {
	Materialize(ctx context.Context, set CandidateSet) error
}

// DirMaterializer materializes candidate sets by copying files between directories
type DirMaterializer struct {
	DonorRoot string       // Root of the known-good installation files are copied from
	Target    TargetHandle // The installation which gets reset and overlaid

	Workers int // How many files are copied concurrently. Defaults to 1
}

// Materialize restores the target from its snapshot and overlays the passed set of donor files.
// Files of the target which are not part of the set are left as they are in the snapshot.
func (m DirMaterializer) Materialize(ctx context.Context, set CandidateSet) error {
	if err := m.restore(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(m.Workers, 1))
	for _, file := range set {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			src := filepath.Join(m.DonorRoot, filepath.FromSlash(file.Path))
			dst := filepath.Join(m.Target.Root, filepath.FromSlash(file.Path))
			if err := copy.Copy(src, dst, copy.Options{
				PreserveTimes: true,
			}); err != nil {
				return fmt.Errorf("failed to copy donor file %s - %w", file.Path, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return errors.Join(ErrMaterialize, fmt.Errorf("failed to overlay %d donor files onto %s", len(set), m.Target.Root), err)
	}

	return nil
}

// restore wipes the target root and copies the pristine snapshot back into it
func (m DirMaterializer) restore() error {
	if _, err := os.Stat(m.Target.Snapshot); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return errors.Join(ErrMaterialize, ErrSnapshotMissing, fmt.Errorf("no snapshot of target %s at %s", m.Target.Root, m.Target.Snapshot))
		}
		return errors.Join(ErrMaterialize, fmt.Errorf("couldn't stat snapshot %s", m.Target.Snapshot), err)
	}

	if err := os.RemoveAll(m.Target.Root); err != nil {
		return errors.Join(ErrMaterialize, fmt.Errorf("failed to wipe target %s", m.Target.Root), err)
	}
	if err := copy.Copy(m.Target.Snapshot, m.Target.Root, copy.Options{
		Specials:      true,
		PreserveTimes: true,
		NumOfWorkers:  int64(max(m.Workers, 1)),
	}); err != nil {
		return errors.Join(ErrMaterialize, fmt.Errorf("failed to restore target %s from snapshot %s", m.Target.Root, m.Target.Snapshot), err)
	}
	return nil
}

// CreateSnapshot copies the target root into its snapshot directory.
// An existing snapshot is only replaced if force is set.
func CreateSnapshot(target TargetHandle, force bool) error {
	if _, err := os.Stat(target.Snapshot); err == nil {
		if !force {
			return fmt.Errorf("snapshot %s already exists", target.Snapshot)
		}
		if err := os.RemoveAll(target.Snapshot); err != nil {
			return errors.Join(fmt.Errorf("failed to remove old snapshot %s", target.Snapshot), err)
		}
	}

	if err := copy.Copy(target.Root, target.Snapshot, copy.Options{
		Specials:      true,
		PreserveTimes: true,
	}); err != nil {
		return errors.Join(fmt.Errorf("failed to snapshot %s to %s", target.Root, target.Snapshot), err)
	}
	return nil
}
