package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"
	"github.com/openmined/s3rotate/internal/blob"
)

// LevelTrace is below debug; the rotator logs every remote listing entry at this level
const LevelTrace = slog.LevelDebug - 4

const (
	OpUpload       = "Upload"
	OpPresent      = "Present"
	OpExpireLocal  = "ExpireLocal"
	OpDeleteRemote = "DeleteRemote"
	OpRemoveEmpty  = "RemoveEmpty"
	OpFailed       = "Failed"
	OpOrphan       = "Orphan"
)

// MismatchPolicy decides what a failed verification does to the rest of the pass
type MismatchPolicy string

const (
	// MismatchContinue records the failure in the report and carries on with the next file
	MismatchContinue MismatchPolicy = "continue"
	// MismatchAbort stops the pass at the first failed verification
	MismatchAbort MismatchPolicy = "abort"
)

func (p MismatchPolicy) Valid() bool {
	return p == MismatchContinue || p == MismatchAbort
}

type RotateParams struct {
	Dir     string
	Pattern string
	// Prefix is the destination key prefix, without trailing slash. Empty means the bucket root.
	Prefix      string
	Depth       int
	RemoveEmpty bool
	DryRun      bool
	OnMismatch  MismatchPolicy

	ChunkSize        int
	DisableMultipart bool
}

func (p *RotateParams) validate() error {
	if p.Dir == "" {
		return errors.New("dir required")
	}
	if p.Depth < 1 {
		return fmt.Errorf("depth must be at least 1, got %d", p.Depth)
	}
	if p.OnMismatch != "" && !p.OnMismatch.Valid() {
		return fmt.Errorf("unknown mismatch policy %q", p.OnMismatch)
	}
	return nil
}

// Rotator reconciles a local backup directory with a prefix in the store
type Rotator struct {
	client blob.IBlobClient
	copier *Copier
}

func NewRotator(client blob.IBlobClient) *Rotator {
	return &Rotator{
		client: client,
		copier: NewCopier(client),
	}
}

// Reconcile runs one pass:
//  1. list the remote prefix once
//  2. list the local files, newest first
//  3. drop empty files when RemoveEmpty is set
//  4. upload the newest Depth files that are missing remotely
//  5. delete the older files locally, and remotely where present
//  6. report remote objects that were not accounted for as orphans
//
// Presence is decided by name and size. A copy that fails verification is not counted as present,
// and its object is deleted so that a later pass uploads the file again.
// The report is returned even when the pass stops early, describing what was done until then.
func (r *Rotator) Reconcile(ctx context.Context, params *RotateParams) (*Report, error) {
	start := time.Now()
	report := &Report{DryRun: params.DryRun}
	defer func() {
		report.Duration = time.Since(start)
	}()

	if err := params.validate(); err != nil {
		return report, err
	}

	remote, err := r.listRemote(ctx, params.Prefix)
	if err != nil {
		return report, err
	}

	local := NewLocalDir(params.Dir)
	files, err := local.List(params.Pattern)
	if err != nil {
		return report, fmt.Errorf("%w: list %s: %w", ErrIO, params.Dir, err)
	}

	if params.RemoveEmpty {
		files, err = r.removeEmpty(local, files, params, report)
		if err != nil {
			return report, err
		}
	}

	keep, expire := files, []*LocalFile(nil)
	if len(files) > params.Depth {
		keep, expire = files[:params.Depth], files[params.Depth:]
	}

	seen := mapset.NewThreadUnsafeSet[string]()
	// failed copies whose object could not be deleted, they are reported with the orphans
	stray := mapset.NewThreadUnsafeSet[string]()
	removed := mapset.NewThreadUnsafeSet[string]()

	for _, file := range keep {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		key := blob.JoinKey(params.Prefix, file.Name)
		if info, ok := remote[file.Name]; ok {
			if info.Size == file.Size {
				slog.Debug("rotate", "op", OpPresent, "key", key)
				report.Present = append(report.Present, file.Name)
				seen.Add(file.Name)
				continue
			}
			// same name, different content: upload again over it
			slog.Warn("rotate", "op", OpUpload, "key", key, "remoteSize", info.Size, "localSize", file.Size)
		}

		if params.DryRun {
			slog.Info("rotate", "op", OpUpload, "key", key, "size", humanize.IBytes(uint64(file.Size)), "dryRun", true)
			report.Uploaded = append(report.Uploaded, file.Name)
			report.BytesUploaded += file.Size
			seen.Add(file.Name)
			continue
		}

		res, err := r.copier.Copy(ctx, &CopyParams{
			SourcePath:       file.Path,
			Key:              key,
			Size:             file.Size,
			ChunkSize:        params.ChunkSize,
			DisableMultipart: params.DisableMultipart,
		})
		if err != nil {
			if errors.Is(err, ErrIO) || ctx.Err() != nil {
				return report, err
			}

			// ErrDigestMismatch or ErrRemoteMetadata: the object is not counted as present
			slog.Error("rotate", "op", OpFailed, "key", key, "error", err)
			report.Failed = append(report.Failed, &FailedCopy{Name: file.Name, Key: key, Err: err})
			// an unverified object must not pass for a good backup on the next run
			if _, delErr := r.client.DeleteObject(context.WithoutCancel(ctx), key); delErr != nil {
				slog.Warn("rotate", "op", OpDeleteRemote, "key", key, "error", delErr)
				stray.Add(file.Name)
			} else {
				removed.Add(file.Name)
			}
			if params.OnMismatch == MismatchAbort {
				return report, err
			}
			continue
		}

		slog.Info("rotate", "op", OpUpload, "key", key, "size", humanize.IBytes(uint64(res.Size)), "etag", res.ETag)
		report.Uploaded = append(report.Uploaded, file.Name)
		report.BytesUploaded += res.Size
		seen.Add(file.Name)
	}

	for _, file := range expire {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if !params.DryRun {
			if err := local.Remove(file); err != nil {
				return report, fmt.Errorf("%w: remove %s: %w", ErrIO, file.Path, err)
			}
		}
		slog.Info("rotate", "op", OpExpireLocal, "path", file.Path, "dryRun", params.DryRun)
		report.Expired = append(report.Expired, file.Name)

		if _, ok := remote[file.Name]; !ok {
			continue
		}

		key := blob.JoinKey(params.Prefix, file.Name)
		if !params.DryRun {
			if _, err := r.client.DeleteObject(ctx, key); err != nil {
				return report, fmt.Errorf("%w: delete %s: %w", ErrRemoteMetadata, key, err)
			}
		}
		slog.Info("rotate", "op", OpDeleteRemote, "key", key, "dryRun", params.DryRun)
		report.RemoteDeleted = append(report.RemoteDeleted, file.Name)
		seen.Add(file.Name)
	}

	remoteSet := mapset.NewThreadUnsafeSetWithSize[string](len(remote))
	for name := range remote {
		remoteSet.Add(name)
	}
	report.Orphans = remoteSet.Union(stray).Difference(seen).Difference(removed).ToSlice()
	slices.Sort(report.Orphans)
	for _, name := range report.Orphans {
		slog.Warn("rotate", "op", OpOrphan, "key", blob.JoinKey(params.Prefix, name))
	}

	return report, nil
}

// listRemote enumerates the prefix once, keyed by the name below the prefix
func (r *Rotator) listRemote(ctx context.Context, prefix string) (map[string]*blob.BlobInfo, error) {
	remote := make(map[string]*blob.BlobInfo)

	for info, err := range r.client.ListObjects(ctx, &blob.ListParams{Prefixes: []string{blob.PrefixPath(prefix)}}) {
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRemoteMetadata, err)
		}

		name, ok := blob.TrimKey(prefix, info.Key)
		if !ok || name == "" {
			continue
		}
		slog.Log(ctx, LevelTrace, "remote", "key", info.Key, "size", info.Size, "etag", info.ETag, "lastModified", info.LastModified)
		remote[name] = info
	}

	return remote, nil
}

// removeEmpty drops zero length files from the listing and deletes them from disk
func (r *Rotator) removeEmpty(local *LocalDir, files []*LocalFile, params *RotateParams, report *Report) ([]*LocalFile, error) {
	kept := make([]*LocalFile, 0, len(files))
	for _, file := range files {
		if file.Size > 0 {
			kept = append(kept, file)
			continue
		}

		if !params.DryRun {
			if err := local.Remove(file); err != nil {
				return nil, fmt.Errorf("%w: remove %s: %w", ErrIO, file.Path, err)
			}
		}
		slog.Info("rotate", "op", OpRemoveEmpty, "path", file.Path, "dryRun", params.DryRun)
		report.EmptyRemoved = append(report.EmptyRemoved, file.Name)
	}
	return kept, nil
}
