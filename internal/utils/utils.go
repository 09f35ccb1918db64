package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (worker logs)
// This ensures we don't lose crash information if the detector dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command bound to ctx and attaches a buffer to its Stderr pipe
// It prepares the command for execution but does not start it.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// ShowError prints a formatted error box and dumps worker logs if a SafeCommand is provided.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 ROADPILOT ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	if s != nil && s.Stderr != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(os.Stderr, "\nDETECTOR CRASH LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// --- 2. Camera & Video Input ---

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// IsDevice reports whether input names a V4L2 camera rather than a video file.
func IsDevice(input string) bool {
	return strings.HasPrefix(input, "/dev/video")
}

// GetTotalFrames uses ffprobe to read the frame count for the progress bar.
// It returns 0 for cameras or if the count fails, so the caller can fall back to a spinner.
func GetTotalFrames(ctx context.Context, path string) int {
	if IsDevice(path) {
		return 0
	}
	if _, err := exec.LookPath("ffprobe"); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  ffprobe not found. Cannot provide a progress bar estimation because of this.\n")
		return 0
	}

	out, err := exec.CommandContext(ctx, "ffprobe", "-v", "error", "-select_streams", "v:0",
		"-show_entries", "stream=nb_frames", "-of", "json", path).Output()
	if err != nil {
		return 0
	}
	res, err := parseProbe(out)
	if err != nil {
		return 0
	}
	count, err := strconv.Atoi(res.NbFrames)
	if err != nil || count < 0 {
		return 0
	}
	return count
}

// GetVideoDimensions returns the width and height of the first video stream.
func GetVideoDimensions(ctx context.Context, path string) (int, int, error) {
	out, err := exec.CommandContext(ctx, "ffprobe", "-v", "error", "-select_streams", "v:0",
		"-show_entries", "stream=width,height", "-of", "json", path).Output()
	if err != nil {
		return 0, 0, fmt.Errorf("ffprobe failed: %w", err)
	}
	res, err := parseProbe(out)
	if err != nil {
		return 0, 0, err
	}
	if res.Width <= 0 || res.Height <= 0 {
		return 0, 0, fmt.Errorf("ffprobe reported invalid dimensions %dx%d", res.Width, res.Height)
	}
	return res.Width, res.Height, nil
}

type probeStream struct {
	NbFrames string `json:"nb_frames"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

func parseProbe(out []byte) (probeStream, error) {
	var res struct {
		Streams []probeStream `json:"streams"`
	}
	if err := json.Unmarshal(out, &res); err != nil {
		return probeStream{}, fmt.Errorf("ffprobe JSON parse error: %w", err)
	}
	if len(res.Streams) == 0 {
		return probeStream{}, fmt.Errorf("ffprobe found no video stream")
	}
	return res.Streams[0], nil
}

// SplitJpeg is the custom splitter for bufio.Scanner
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// FFmpegArgs builds the decoder arguments for a file or camera input.
// Frames come out scaled to width x height as MJPEG on stdout.
func FFmpegArgs(input string, width, height int) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if IsDevice(input) {
		args = append(args, "-f", "v4l2", "-video_size", fmt.Sprintf("%dx%d", width, height))
	}
	args = append(args, "-i", input,
		"-vf", fmt.Sprintf("scale=%d:%d", width, height),
		"-f", "image2pipe", "-vcodec", "mjpeg", "-")
	return args
}

// NewFFmpegCmd creates the decoder pipe for a video file or camera device.
func NewFFmpegCmd(ctx context.Context, input string, width, height int) *exec.Cmd {
	return exec.CommandContext(ctx, "ffmpeg", FFmpegArgs(input, width, height)...)
}
