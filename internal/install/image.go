package install

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/typevps/engine/internal/hypervisor"
	"github.com/typevps/engine/internal/livelog"
)

// downloadTimeout bounds the image download task wait. Base images run
// to a few GB; ten minutes is generous on datacenter links.
const downloadTimeout = 10 * time.Minute

// imageFileName derives the stable content key for a base image URL.
// The same URL always maps to the same file, so a cached download is
// found on the next install without any extra bookkeeping.
func imageFileName(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:]) + ".img"
}

// ensureImage makes sure the base image is present in the node's
// storage, downloading it if needed, and returns the storage file.
func (in *Installer) ensureImage(ctx context.Context, node, url string, log *livelog.Logger) (hypervisor.StorageFile, error) {
	fileName := imageFileName(url)

	log.Log("Checking if base image is cached...")
	files, err := in.hv.ListStorage(ctx, node, in.cfg.ImageStorage)
	if err != nil {
		return hypervisor.StorageFile{}, fmt.Errorf("list storage: %w", err)
	}
	if file, ok := findFile(files, fileName); ok {
		log.Log("Base image already cached, skipping download")
		return file, nil
	}

	log.Log("Base image not cached, downloading...")
	taskID, err := in.hv.DownloadURL(ctx, node, in.cfg.ImageStorage, fileName, url)
	if err != nil {
		return hypervisor.StorageFile{}, fmt.Errorf("start image download: %w", err)
	}

	log.Log("Waiting for image download to complete...")
	if err := in.bridge.WaitForTaskOK(ctx, taskID, downloadTimeout); err != nil {
		return hypervisor.StorageFile{}, fmt.Errorf("image download: %w", err)
	}

	// The download task can report OK while leaving nothing behind
	// (e.g. upstream 404 handled loosely). Re-list and fail hard if
	// the file is still absent.
	files, err = in.hv.ListStorage(ctx, node, in.cfg.ImageStorage)
	if err != nil {
		return hypervisor.StorageFile{}, fmt.Errorf("list storage after download: %w", err)
	}
	file, ok := findFile(files, fileName)
	if !ok {
		return hypervisor.StorageFile{}, fmt.Errorf("image %s missing after download task finished", fileName)
	}

	log.Log("Base image ready")
	return file, nil
}

func findFile(files []hypervisor.StorageFile, fileName string) (hypervisor.StorageFile, bool) {
	for _, f := range files {
		if f.FileName == fileName {
			return f, true
		}
	}
	return hypervisor.StorageFile{}, false
}
