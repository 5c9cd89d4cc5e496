// Package handoff prepares fetched clips for use outside the agent: download
// file names, the timeline editor link and manifest, and copies into a
// user-chosen directory.
package handoff

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/tsukizard/clipdeck/internal/assembly"
	"github.com/tsukizard/clipdeck/internal/blob"
)

// EditorLink builds the editor URL for a job with n clips.
func EditorLink(editorURL, jobID string, n int) (string, error) {
	if editorURL == "" {
		return "", nil
	}
	u, err := url.Parse(strings.TrimRight(editorURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse editor url: %w", err)
	}
	u = u.JoinPath("video", "editor")
	q := u.Query()
	q.Set("videoId", jobID)
	q.Set("clipsNum", strconv.Itoa(n))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Manifest lists the ready clips of a job for the timeline editor.
type Manifest struct {
	JobID      string         `json:"job_id"`
	EditorLink string         `json:"editor_link,omitempty"`
	ClipCount  int            `json:"clip_count"`
	Clips      []ManifestClip `json:"clips"`
	Unready    []int          `json:"unready"`
}

type ManifestClip struct {
	Index          int      `json:"index"`
	URL            string   `json:"url"`
	DownloadURL    string   `json:"download_url"`
	Filename       string   `json:"filename"`
	ContentType    string   `json:"content_type,omitempty"`
	Size           int64    `json:"size"`
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Hashtags       []string `json:"hashtags"`
	TargetAudience string   `json:"target_audience"`
	Sentiment      string   `json:"sentiment"`
}

// ClipURLs returns the playback and download URLs of clip index below
// baseURL.
func ClipURLs(baseURL string, index int) (play, download string) {
	base := strings.TrimRight(baseURL, "/")
	return fmt.Sprintf("%s/clips/%d/file", base, index), fmt.Sprintf("%s/clips/%d/download", base, index)
}

// BuildManifest includes every Ready clip in index order. Pending and
// failed clips are listed in Unready.
func BuildManifest(jobID, editorURL, baseURL string, clips []assembly.Clip) (*Manifest, error) {
	link, err := EditorLink(editorURL, jobID, len(clips))
	if err != nil {
		return nil, err
	}

	m := &Manifest{
		JobID:      jobID,
		EditorLink: link,
		ClipCount:  len(clips),
		Clips:      []ManifestClip{},
		Unready:    []int{},
	}
	for _, c := range clips {
		if c.State != assembly.Ready || c.Binary == nil {
			m.Unready = append(m.Unready, c.Index)
			continue
		}
		play, download := ClipURLs(baseURL, c.Index)
		hashtags := c.Metadata.Hashtags
		if hashtags == nil {
			hashtags = []string{}
		}
		m.Clips = append(m.Clips, ManifestClip{
			Index:          c.Index,
			URL:            play,
			DownloadURL:    download,
			Filename:       DownloadName(c.Metadata.Title, c.Index),
			ContentType:    c.Binary.ContentType,
			Size:           c.Binary.Size,
			Title:          c.Metadata.Title,
			Description:    c.Metadata.Description,
			Hashtags:       hashtags,
			TargetAudience: c.Metadata.TargetAudience,
			Sentiment:      c.Metadata.Sentiment,
		})
	}
	return m, nil
}

// Written is one clip copied out of the blob store.
type Written struct {
	Index int
	Path  string
	Size  int64
}

// WriteClips copies every Ready clip into dir using its download name.
// Existing files are never overwritten.
func WriteClips(store blob.Store, dir string, clips []assembly.Clip) ([]Written, error) {
	if err := ValidateOutputDir(dir); err != nil {
		return nil, err
	}

	var out []Written
	for _, c := range clips {
		if c.State != assembly.Ready || c.Binary == nil {
			continue
		}
		w, err := writeClip(store, dir, c)
		if err != nil {
			return out, fmt.Errorf("write clip %d: %w", c.Index, err)
		}
		out = append(out, w)
	}
	return out, nil
}

func writeClip(store blob.Store, dir string, c assembly.Clip) (Written, error) {
	src, err := store.Open(c.Binary.Key)
	if err != nil {
		return Written{}, err
	}
	defer src.Close()

	path := uniquePath(dir, DownloadName(c.Metadata.Title, c.Index))
	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return Written{}, err
	}
	n, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return Written{}, err
	}
	return Written{Index: c.Index, Path: path, Size: n}, nil
}
