package vfs

import (
	"context"
	"fmt"

	"github.com/fruitsalade/cmisfs/internal/logging"
	"github.com/fruitsalade/cmisfs/internal/metrics"
	"github.com/fruitsalade/cmisfs/pkg/models"
	"github.com/fruitsalade/cmisfs/pkg/tree"
)

// Rename moves and/or renames from to to. The repository has no atomic
// rename, so this is up to two calls: a move to the destination folder and
// a name update. When to names an existing folder, the object moves into it
// keeping its name. An existing document at to is replaced. If the name
// update fails after a move, the object is moved back. Handles open below
// from follow the object to its new path.
func (d *Dispatcher) Rename(ctx context.Context, from, to string) error {
	from, to = tree.Clean(from), tree.Clean(to)
	err := d.rename(ctx, from, to)
	if err == nil {
		d.stats.Renames.Add(1)
	}
	return d.done("rename", from, err)
}

func (d *Dispatcher) rename(ctx context.Context, from, to string) error {
	if from == to {
		return nil
	}
	if from == tree.Root || to == tree.Root {
		return ErrInvalid
	}
	d.resolver.Invalidate(from)
	d.resolver.Invalidate(to)

	src, err := d.resolver.ResolveObject(ctx, from)
	if err != nil {
		return err
	}
	srcParent, err := d.resolver.ExactFolder(ctx, tree.Dir(from))
	if err != nil {
		return err
	}

	var dstParent, replace *models.Object
	newName := tree.Base(from)
	finalPath := ""

	target, err := d.resolver.ResolveObject(ctx, to)
	switch {
	case err == nil && target.IsFolder():
		if target.ID == src.ID {
			return nil
		}
		dstParent = target
		finalPath = tree.BuildChildPath(to, newName)
	case err == nil:
		if target.ID == src.ID {
			// Another name of the same multi-filed document.
			return nil
		}
		if src.IsFolder() {
			return ErrNotDir
		}
		replace = target
	case Classify(err) != CodeNotFound:
		return err
	}

	if dstParent == nil {
		dstParent, err = d.resolver.ExactFolder(ctx, tree.Dir(to))
		if err != nil {
			return err
		}
		newName = tree.Base(to)
		finalPath = to
	}
	if src.IsFolder() && tree.IsWithin(finalPath, from) {
		return fmt.Errorf("move %s into itself: %w", from, ErrInvalid)
	}

	if replace != nil {
		if err := d.repo.Delete(ctx, replace.ID); err != nil {
			return fmt.Errorf("replace %s: %w", to, err)
		}
		d.resolver.InvalidateObject(replace)
		logging.Info("replaced document", logging.Path(to), logging.ObjectID(replace.ID))
	}

	defer func() {
		d.resolver.Invalidate(from)
		d.resolver.Invalidate(to)
		d.resolver.Invalidate(finalPath)
		d.resolver.InvalidateObject(src)
	}()

	moved := false
	if dstParent.ID != srcParent.ID {
		if _, err := d.repo.Move(ctx, src.ID, srcParent.ID, dstParent.ID); err != nil {
			return fmt.Errorf("move %s to %s: %w", from, dstParent.Path(), err)
		}
		moved = true
		logging.Info("moved", logging.Path(from), logging.String("target", dstParent.Path()), logging.ObjectID(src.ID))
	}

	if newName != src.Name {
		_, err := d.repo.UpdateProperties(ctx, src.ID, models.Properties{
			models.PropName: models.StringValue(newName),
		})
		if err != nil {
			if moved {
				d.compensateMove(ctx, src, dstParent, srcParent)
			}
			return fmt.Errorf("rename %s to %s: %w", from, newName, err)
		}
		logging.Info("renamed", logging.Path(from), logging.String("name", newName), logging.ObjectID(src.ID))
	}
	d.retarget(from, finalPath)
	return nil
}

// compensateMove tries to undo a move whose follow-up rename failed. The
// original error is what the caller reports.
func (d *Dispatcher) compensateMove(ctx context.Context, src, from, to *models.Object) {
	_, err := d.repo.Move(ctx, src.ID, from.ID, to.ID)
	metrics.RecordRenameCompensation(err == nil)
	if err != nil {
		logging.Error("could not move object back after failed rename",
			logging.ObjectID(src.ID), logging.String("stuck_in", from.Path()), logging.Err(err))
		return
	}
	logging.Warn("moved object back after failed rename",
		logging.ObjectID(src.ID), logging.String("restored_to", to.Path()))
}
