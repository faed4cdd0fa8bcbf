// Package checkpoint stores browser state snapshots as tar.gz archives.
// A resume token is the address of one archive; the engine treats the
// token as opaque and only the drivers hand it back here.
package checkpoint

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Store archives directories under a base path, one archive per token.
type Store struct {
	dir string
}

// NewStore creates the archive directory if needed and returns the store.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Save archives the contents of sourceDir and returns the freshly minted
// token addressing the archive.
func (s *Store) Save(sourceDir string) (string, error) {
	token := "ckpt-" + uuid.New().String()
	archivePath := filepath.Join(s.dir, token+".tar.gz")

	if err := compressDirectory(sourceDir, archivePath); err != nil {
		os.Remove(archivePath)
		return "", fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return token, nil
}

// Load extracts the archive for token into a fresh temporary directory
// and returns its path. The caller owns the directory afterwards.
func (s *Store) Load(token string) (string, error) {
	archivePath, err := s.archivePath(token)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(archivePath); err != nil {
		return "", fmt.Errorf("checkpoint %s: %w", token, err)
	}

	extractDir, err := os.MkdirTemp("", "sessiond-resume-")
	if err != nil {
		return "", fmt.Errorf("failed to create extraction directory: %w", err)
	}

	if err := extractDirectory(archivePath, extractDir); err != nil {
		os.RemoveAll(extractDir)
		return "", fmt.Errorf("failed to load checkpoint %s: %w", token, err)
	}
	return extractDir, nil
}

// Delete removes the archive for token. Missing archives are not an error.
func (s *Store) Delete(token string) error {
	archivePath, err := s.archivePath(token)
	if err != nil {
		return err
	}
	if err := os.Remove(archivePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete checkpoint %s: %w", token, err)
	}
	return nil
}

// archivePath validates the token before using it as a file name.
func (s *Store) archivePath(token string) (string, error) {
	if token == "" || strings.ContainsAny(token, `/\`) || strings.Contains(token, "..") {
		return "", fmt.Errorf("invalid checkpoint token %q", token)
	}
	return filepath.Join(s.dir, token+".tar.gz"), nil
}

// compressDirectory creates a tar.gz archive of a directory
func compressDirectory(source, target string) error {
	file, err := os.Create(target)
	if err != nil {
		return err
	}
	defer file.Close()

	gzWriter := gzip.NewWriter(file)
	defer gzWriter.Close()

	tarWriter := tar.NewWriter(gzWriter)
	defer tarWriter.Close()

	return filepath.Walk(source, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		header, err := tar.FileInfoHeader(info, info.Name())
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		header.Name = relPath

		if err := tarWriter.WriteHeader(header); err != nil {
			return err
		}

		if !info.IsDir() {
			file, err := os.Open(path)
			if err != nil {
				return err
			}
			defer file.Close()

			_, err = io.Copy(tarWriter, file)
			return err
		}

		return nil
	})
}

// extractDirectory extracts a tar.gz archive to a directory
func extractDirectory(source, target string) error {
	file, err := os.Open(source)
	if err != nil {
		return err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return err
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		targetPath := filepath.Join(target, header.Name)

		// Archive entries must stay inside the target directory.
		if !strings.HasPrefix(targetPath, filepath.Clean(target)+string(os.PathSeparator)) && targetPath != filepath.Clean(target) {
			return fmt.Errorf("archive entry %q escapes extraction directory", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
				return err
			}

			outFile, err := os.Create(targetPath)
			if err != nil {
				return err
			}

			if _, err := io.Copy(outFile, tarReader); err != nil {
				outFile.Close()
				return err
			}
			outFile.Close()
		}
	}

	return nil
}
