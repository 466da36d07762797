package keyframe

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kdimtricp/framesearch/internal/logger"
	"github.com/kdimtricp/framesearch/internal/models"
)

const defaultDecodeWidth = 640

// FFmpeg decodes videos by piping raw RGB frames out of an ffmpeg process.
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
	decodeWidth int
	logger      *slog.Logger
}

func NewFFmpeg(log *slog.Logger) (*FFmpeg, error) {
	log = logger.OrDefault(log)
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}
	ffprobePath, err := exec.LookPath("ffprobe")
	if err != nil {
		log.Warn("ffprobe not found, falling back to ffmpeg for probing")
		ffprobePath = ""
	}
	log.Debug("found ffmpeg", "path", ffmpegPath, "ffprobe", ffprobePath)

	return &FFmpeg{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		decodeWidth: defaultDecodeWidth,
		logger:      log,
	}, nil
}

// SetDecodeWidth caps the width frames are decoded at. Zero or less decodes
// at source resolution.
func (f *FFmpeg) SetDecodeWidth(w int) {
	f.decodeWidth = w
}

func isURL(src string) bool {
	return strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://")
}

func checkSource(src string) error {
	if src == "" {
		return fmt.Errorf("empty video source")
	}
	if isURL(src) {
		return nil
	}
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("video file not accessible: %w", err)
	}
	return nil
}

type probeOutput struct {
	Streams []struct {
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		NbFrames     string `json:"nb_frames"`
		NbReadPkts   string `json:"nb_read_packets"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		Duration     string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe reads stream metadata. Missing frame counts are derived from
// duration and frame rate.
func (f *FFmpeg) Probe(ctx context.Context, src string) (VideoInfo, error) {
	if err := checkSource(src); err != nil {
		return VideoInfo{}, err
	}
	if f.ffprobePath == "" {
		d, err := f.durationFromFFmpeg(ctx, src)
		if err != nil {
			return VideoInfo{}, err
		}
		return VideoInfo{Duration: d}, fmt.Errorf("ffprobe is required to read frame counts")
	}

	cmd := exec.CommandContext(ctx, f.ffprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-count_packets",
		"-show_entries", "stream=width,height,nb_frames,nb_read_packets,r_frame_rate,avg_frame_rate,duration:format=duration",
		"-of", "json",
		src)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return VideoInfo{}, fmt.Errorf("ffprobe failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return parseProbe(stdout.Bytes())
}

func parseProbe(raw []byte) (VideoInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return VideoInfo{}, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	if len(out.Streams) == 0 {
		return VideoInfo{}, fmt.Errorf("no video stream found")
	}
	s := out.Streams[0]
	info := VideoInfo{Width: s.Width, Height: s.Height}

	info.FPS = parseRate(s.AvgFrameRate)
	if info.FPS <= 0 {
		info.FPS = parseRate(s.RFrameRate)
	}
	info.Duration, _ = strconv.ParseFloat(s.Duration, 64)
	if info.Duration <= 0 {
		info.Duration, _ = strconv.ParseFloat(out.Format.Duration, 64)
	}

	for _, n := range []string{s.NbFrames, s.NbReadPkts} {
		if v, err := strconv.Atoi(n); err == nil && v > 0 {
			info.TotalFrames = v
			break
		}
	}
	if info.TotalFrames == 0 && info.FPS > 0 && info.Duration > 0 {
		info.TotalFrames = int(info.Duration * info.FPS)
	}
	if info.TotalFrames <= 0 {
		return info, fmt.Errorf("could not determine frame count")
	}
	if info.Width <= 0 || info.Height <= 0 {
		return info, fmt.Errorf("invalid frame size %dx%d", info.Width, info.Height)
	}
	return info, nil
}

// parseRate parses "30000/1001" or "25".
func parseRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !ok {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// durationFromFFmpeg parses the "Duration: " banner line ffmpeg prints.
func (f *FFmpeg) durationFromFFmpeg(ctx context.Context, src string) (float64, error) {
	cmd := exec.CommandContext(ctx, f.ffmpegPath, "-i", src, "-f", "null", "-")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	_ = cmd.Run()
	return parseFFmpegDuration(stderr.String())
}

func parseFFmpegDuration(output string) (float64, error) {
	const prefix = "Duration: "
	start := strings.Index(output, prefix)
	if start == -1 {
		return 0, fmt.Errorf("duration not found in ffmpeg output")
	}
	start += len(prefix)
	end := strings.Index(output[start:], ",")
	if end == -1 {
		return 0, fmt.Errorf("invalid duration format")
	}
	parts := strings.Split(output[start:start+end], ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid duration format: %s", output[start:start+end])
	}
	var total float64
	for i, mul := range []float64{3600, 60, 1} {
		v, err := strconv.ParseFloat(parts[i], 64)
		if err != nil {
			return 0, err
		}
		total += v * mul
	}
	return total, nil
}

// decodeSize keeps the aspect ratio and even dimensions, capped at maxWidth.
func decodeSize(w, h, maxWidth int) (int, int) {
	if maxWidth > 0 && w > maxWidth {
		h = h * maxWidth / w
		w = maxWidth
	}
	w -= w % 2
	h -= h % 2
	if w < 2 {
		w = 2
	}
	if h < 2 {
		h = 2
	}
	return w, h
}

func (f *FFmpeg) Open(ctx context.Context, src string) (FrameSource, error) {
	info, err := f.Probe(ctx, src)
	if err != nil {
		return nil, &models.DecodeError{Source: src, Err: err}
	}
	w, h := decodeSize(info.Width, info.Height, f.decodeWidth)

	cmd := exec.CommandContext(ctx, f.ffmpegPath,
		"-v", "error",
		"-i", src,
		"-map", "0:v:0",
		"-vsync", "passthrough",
		"-vf", fmt.Sprintf("scale=%d:%d", w, h),
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"pipe:1")
	stream, err := startRawStream(cmd, info, w, h)
	if err != nil {
		return nil, &models.DecodeError{Source: src, Err: err}
	}
	f.logger.Debug("decoding video", "source", src, "frames", info.TotalFrames, "fps", info.FPS, "size", fmt.Sprintf("%dx%d", w, h))
	return stream, nil
}

// startRawStream runs cmd, which must write w*h rgb24 frames to stdout.
func startRawStream(cmd *exec.Cmd, info VideoInfo, w, h int) (*rawStream, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	return &rawStream{
		info:   info,
		cmd:    cmd,
		r:      bufio.NewReaderSize(stdout, w*h*3),
		stderr: &stderr,
		width:  w,
		height: h,
		buf:    make([]byte, w*h*3),
	}, nil
}

type rawStream struct {
	info   VideoInfo
	cmd    *exec.Cmd
	r      *bufio.Reader
	stderr *bytes.Buffer
	width  int
	height int
	buf    []byte
	done   bool
}

func (s *rawStream) Info() VideoInfo { return s.info }

func (s *rawStream) read() error {
	if s.done {
		return io.EOF
	}
	_, err := io.ReadFull(s.r, s.buf)
	if err == nil {
		return nil
	}
	s.done = true
	if err != io.EOF && err != io.ErrUnexpectedEOF {
		_ = s.cmd.Process.Kill()
	}
	// stderr is only complete once Wait has returned
	werr := s.cmd.Wait()
	s.cmd = nil
	msg := strings.TrimSpace(s.stderr.String())

	switch {
	case err == io.ErrUnexpectedEOF:
		return fmt.Errorf("truncated frame: %s", msg)
	case err != io.EOF:
		return err
	case werr != nil:
		return fmt.Errorf("ffmpeg failed: %w: %s", werr, msg)
	}
	return io.EOF
}

func (s *rawStream) Next() (image.Image, error) {
	if err := s.read(); err != nil {
		return nil, err
	}
	img := image.NewNRGBA(image.Rect(0, 0, s.width, s.height))
	for i, j := 0, 0; i < len(s.buf); i, j = i+3, j+4 {
		img.Pix[j] = s.buf[i]
		img.Pix[j+1] = s.buf[i+1]
		img.Pix[j+2] = s.buf[i+2]
		img.Pix[j+3] = 0xff
	}
	return img, nil
}

func (s *rawStream) Discard() error {
	return s.read()
}

func (s *rawStream) Close() error {
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	_ = s.cmd.Process.Kill()
	_ = s.cmd.Wait()
	s.cmd = nil
	return nil
}

// Thumbnail renders one JPEG frame at atSeconds, clamped to the video length,
// scaled to 1280 pixels wide.
func (f *FFmpeg) Thumbnail(ctx context.Context, src string, atSeconds int) ([]byte, error) {
	if err := checkSource(src); err != nil {
		return nil, err
	}
	info, err := f.Probe(ctx, src)
	if err != nil && info.Duration <= 0 {
		return nil, fmt.Errorf("failed to read video metadata: %w", err)
	}
	at := clampSeconds(atSeconds, info.Duration)

	cmd := exec.CommandContext(ctx, f.ffmpegPath,
		"-v", "error",
		"-ss", strconv.Itoa(at),
		"-i", src,
		"-vframes", "1",
		"-an",
		"-vf", "scale=1280:-2",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"pipe:1")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("failed to extract thumbnail at %ds: %w: %s", at, err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("ffmpeg produced no thumbnail at %ds", at)
	}
	return stdout.Bytes(), nil
}

func clampSeconds(at int, duration float64) int {
	last := int(duration) - 1
	if at > last {
		at = last
	}
	if at < 0 {
		at = 0
	}
	return at
}

// ThumbnailName is the storage name for a thumbnail of src at sec seconds.
func ThumbnailName(src string, sec int) string {
	return filepath.Join("thumbnails", fmt.Sprintf("%s_t_%d.jpg", filepath.Base(src), sec))
}
