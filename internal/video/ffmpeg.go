package video

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os/exec"
	"strings"
	"time"

	"github.com/roadwatch/hazard-edge/internal/logger"
)

// FFmpegSource captures single JPEG frames from a camera device, file,
// or network stream by shelling out to ffmpeg.
type FFmpegSource struct {
	logger     *logger.Logger
	ffmpegPath string
	input      string
	quality    int
	timeout    time.Duration
}

// NewFFmpegSource locates the ffmpeg binary and validates the input URL.
func NewFFmpegSource(input string, quality int, timeout time.Duration, log *logger.Logger) (*FFmpegSource, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}
	if quality < 1 || quality > 31 {
		quality = 5
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	path, err := detectFFmpeg()
	if err != nil {
		return nil, err
	}

	log.Info("FFmpeg frame source ready", "path", path, "input", input)

	return &FFmpegSource{
		logger:     log,
		ffmpegPath: path,
		input:      input,
		quality:    quality,
		timeout:    timeout,
	}, nil
}

// Capture grabs one frame from the input as JPEG. The call is bounded
// by the source timeout in addition to the caller's context.
func (s *FFmpegSource) Capture(ctx context.Context) (*Frame, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
	}
	if strings.HasPrefix(s.input, "rtsp://") {
		args = append(args, "-rtsp_transport", "tcp")
	}
	args = append(args,
		"-i", s.input,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", fmt.Sprintf("%d", s.quality),
		"-",
	)

	cmd := exec.CommandContext(ctx, s.ffmpegPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("frame capture timed out after %v", s.timeout)
		}
		return nil, fmt.Errorf("ffmpeg capture failed: %w (%s)", err, strings.TrimSpace(stderr.String()))
	}

	data := stdout.Bytes()
	if len(data) == 0 {
		return nil, fmt.Errorf("ffmpeg produced no frame data")
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("invalid frame data: %w", err)
	}
	if format != "jpeg" {
		return nil, fmt.Errorf("unexpected frame format %q", format)
	}

	return &Frame{
		Data:      data,
		Width:     cfg.Width,
		Height:    cfg.Height,
		Timestamp: time.Now(),
	}, nil
}

func detectFFmpeg() (string, error) {
	candidates := []string{"ffmpeg", "/usr/bin/ffmpeg", "/usr/local/bin/ffmpeg"}
	for _, candidate := range candidates {
		if path, err := exec.LookPath(candidate); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("ffmpeg binary not found in PATH")
}

func validateInput(input string) error {
	if input == "" {
		return fmt.Errorf("input source cannot be empty")
	}
	for _, prefix := range []string{"rtsp://", "http://", "https://", "/dev/", "/", "./"} {
		if strings.HasPrefix(input, prefix) {
			return nil
		}
	}
	return fmt.Errorf("unsupported input source: %s", input)
}
