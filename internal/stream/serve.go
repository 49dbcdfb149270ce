package stream

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
)

// ServeFile writes the file at path to w honouring the request's Range
// header. Unsatisfiable ranges get a 416 with "Content-Range: bytes */size";
// malformed ones are reported to the caller before anything is written.
// Open and stat failures are returned unwritten so the caller can map them.
func ServeFile(w http.ResponseWriter, r *http.Request, path, contentType string, policy MultiRangePolicy) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat file: %w", err)
	}
	if !stat.Mode().IsRegular() {
		return fmt.Errorf("open file: %w", os.ErrNotExist)
	}

	plan, err := Resolve(stat.Size(), r.Header.Get("Range"), policy)
	if errors.Is(err, ErrMalformedRange) {
		return err
	}

	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Last-Modified", stat.ModTime().UTC().Format(http.TimeFormat))

	if !plan.Satisfiable {
		h.Set("Content-Range", plan.ContentRange())
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return nil
	}

	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.FormatInt(plan.Length(), 10))
	status := http.StatusOK
	if plan.Partial {
		h.Set("Content-Range", plan.ContentRange())
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)

	if r.Method == http.MethodHead || plan.Length() == 0 {
		return nil
	}
	if _, err := file.Seek(plan.Start, io.SeekStart); err != nil {
		return fmt.Errorf("seek: %w", err)
	}
	// Headers are already sent; a short copy means the client went away.
	_, _ = io.CopyN(w, file, plan.Length())
	return nil
}
