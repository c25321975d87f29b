package p2pchunk

import (
	"strings"

	"github.com/pkg/errors"
)

// DownloadRequest is one line from the command stream: a chunklist path
// naming the chunks needed and the output path the assembled result
// should be written to.
type DownloadRequest struct {
	ChunklistPath string
	OutputPath    string
}

// ParseDownloadCommand parses one command-stream line of the form
// "DOWNLOAD <chunklist_path> <output_path>". Resolving the chunklist path
// into hashes is chunkstore.LoadChunklist's job, done by the caller once
// the command has been parsed.
func ParseDownloadCommand(line string) (DownloadRequest, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 || fields[0] != "DOWNLOAD" {
		return DownloadRequest{}, errors.Errorf("expected \"DOWNLOAD <chunklist> <output>\", got %q", line)
	}
	return DownloadRequest{ChunklistPath: fields[1], OutputPath: fields[2]}, nil
}
