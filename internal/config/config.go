package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// MaskMeaning is what a classifier label stands for.
type MaskMeaning string

const (
	MeaningMask   MaskMeaning = "mask"
	MeaningNoMask MaskMeaning = "no_mask"
)

// MaskLabel binds one classifier output index (its position in the list) to a meaning.
type MaskLabel struct {
	Text    string      `yaml:"text"`
	Meaning MaskMeaning `yaml:"meaning"`
}

// Config defines the runtime configuration for the surveillance server.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	Detection DetectionConfig `yaml:"detection"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Capture   CaptureConfig   `yaml:"capture"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	WebRTC    WebRTCConfig    `yaml:"webrtc"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	AllowOrigin     string        `yaml:"allow_origin"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	Color bool   `yaml:"color"`
}

// StorageConfig places uploads, processed videos and alert captures under one static root.
type StorageConfig struct {
	StaticDir    string `yaml:"static_dir"`
	URLPrefix    string `yaml:"url_prefix"`
	UploadsDir   string `yaml:"uploads_dir"`
	ProcessedDir string `yaml:"processed_dir"`
	CapturesDir  string `yaml:"captures_dir"`
}

type DetectionConfig struct {
	// Backend is "remote" (HTTP inference service) or "opencv" (requires the opencv build tag).
	Backend        string        `yaml:"backend"`
	InferenceURL   string        `yaml:"inference_url"`
	Timeout        time.Duration `yaml:"timeout"`
	ModelPath      string        `yaml:"model_path"`
	CascadePath    string        `yaml:"cascade_path"`
	ClassifierPath string        `yaml:"classifier_path"`
	Confidence     float64       `yaml:"confidence"`
	IoU            float64       `yaml:"iou"`
	WorkingWidth   int           `yaml:"working_width"`
	WorkingHeight  int           `yaml:"working_height"`
	MaskLabels     []MaskLabel   `yaml:"mask_labels"`
}

type PipelineConfig struct {
	PersonClass      int            `yaml:"person_class"`
	BagClasses       []int          `yaml:"bag_classes"`
	WeaponClasses    map[int]string `yaml:"weapon_classes"`
	BucketSize       int            `yaml:"bucket_size"`
	CaptureInterval  time.Duration  `yaml:"capture_interval"`
	BlinkInterval    time.Duration  `yaml:"blink_interval"`
	ProgressEvery    int            `yaml:"progress_every"`
	PreviewEvery     int            `yaml:"preview_every"`
	PreviewQuality   int            `yaml:"preview_quality"`
	StreamQuality    int            `yaml:"stream_quality"`
	CaptureQuality   int            `yaml:"capture_quality"`
	StreamFrameDelay time.Duration  `yaml:"stream_frame_delay"`
	StopGrace        time.Duration  `yaml:"stop_grace"`
	FaceMinSize      int            `yaml:"face_min_size"`
	FaceMinWidth     int            `yaml:"face_min_width"`
	FaceMinArea      int            `yaml:"face_min_area"`
	FaceInputSize    int            `yaml:"face_input_size"`
}

type CaptureConfig struct {
	// Synthetic replaces every source with generated frames (demo and smoke runs without ffmpeg).
	Synthetic     bool   `yaml:"synthetic"`
	WebcamDevice  string `yaml:"webcam_device"`
	WebcamFormat  string `yaml:"webcam_format"`
	WebcamWidth   int    `yaml:"webcam_width"`
	WebcamHeight  int    `yaml:"webcam_height"`
	RTSPTransport string `yaml:"rtsp_transport"`
	OutputCodec   string `yaml:"output_codec"`
	WriterBuffer  int    `yaml:"writer_buffer"`
}

type BroadcastConfig struct {
	ClientBuffer int     `yaml:"client_buffer"`
	FrameRate    float64 `yaml:"frame_rate"`
	FrameBurst   int     `yaml:"frame_burst"`
	MQTTBroker   string  `yaml:"mqtt_broker"`
	MQTTClientID string  `yaml:"mqtt_client_id"`
	MQTTTopic    string  `yaml:"mqtt_topic"`
}

type WebRTCConfig struct {
	STUNServers []string `yaml:"stun_servers"`
	MaxClients  int      `yaml:"max_clients"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// DefaultConfig returns a config aligned with the reference surveillance behavior.
func DefaultConfig() Config {
	static := filepath.Clean("./static")
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":5600",
			AllowOrigin:     "*",
			MaxUploadBytes:  2 << 30,
			ShutdownTimeout: 5 * time.Second,
		},
		Log: LogConfig{Level: "info", Color: true},
		Storage: StorageConfig{
			StaticDir:    static,
			URLPrefix:    "/static",
			UploadsDir:   "uploads",
			ProcessedDir: "processed",
			CapturesDir:  "captures",
		},
		Detection: DetectionConfig{
			Backend:       "remote",
			InferenceURL:  "http://localhost:8500",
			Timeout:       5 * time.Second,
			ModelPath:     "yolov8n.onnx",
			CascadePath:   "haarcascade_frontalface_default.xml",
			Confidence:    0.35,
			IoU:           0.35,
			WorkingWidth:  640,
			WorkingHeight: 360,
			MaskLabels: []MaskLabel{
				{Text: "face with mask", Meaning: MeaningMask},
				{Text: "face without mask", Meaning: MeaningNoMask},
			},
		},
		Pipeline: PipelineConfig{
			PersonClass:      0,
			BagClasses:       []int{24, 26, 28},
			WeaponClasses:    map[int]string{43: "Knife", 76: "Scissors"},
			BucketSize:       50,
			CaptureInterval:  3 * time.Second,
			BlinkInterval:    300 * time.Millisecond,
			ProgressEvery:    10,
			PreviewEvery:     30,
			PreviewQuality:   80,
			StreamQuality:    70,
			CaptureQuality:   95,
			StreamFrameDelay: 50 * time.Millisecond,
			StopGrace:        500 * time.Millisecond,
			FaceMinSize:      25,
			FaceMinWidth:     30,
			FaceMinArea:      400,
			FaceInputSize:    56,
		},
		Capture: CaptureConfig{
			WebcamDevice:  "/dev/video0",
			WebcamFormat:  "v4l2",
			WebcamWidth:   640,
			WebcamHeight:  360,
			RTSPTransport: "tcp",
			OutputCodec:   "libx264",
			WriterBuffer:  60,
		},
		Broadcast: BroadcastConfig{
			ClientBuffer: 8,
			FrameRate:    20,
			FrameBurst:   5,
			MQTTClientID: "surveillance-server",
			MQTTTopic:    "surveillance",
		},
		WebRTC: WebRTCConfig{
			STUNServers: []string{"stun:stun.l.google.com:19302"},
			MaxClients:  10,
		},
		Redis: RedisConfig{TTL: 24 * time.Hour},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the values the pipeline relies on.
func (c Config) Validate() error {
	var errs []error

	d := c.Detection
	if d.Backend != "remote" && d.Backend != "opencv" {
		errs = append(errs, fmt.Errorf("detection.backend must be remote or opencv, got %q", d.Backend))
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		errs = append(errs, fmt.Errorf("detection.confidence out of range: %v", d.Confidence))
	}
	if d.IoU < 0 || d.IoU > 1 {
		errs = append(errs, fmt.Errorf("detection.iou out of range: %v", d.IoU))
	}
	if d.WorkingWidth <= 0 || d.WorkingHeight <= 0 {
		errs = append(errs, errors.New("detection working resolution must be positive"))
	}
	if err := validateMaskLabels(d.MaskLabels); err != nil {
		errs = append(errs, err)
	}

	p := c.Pipeline
	if p.BucketSize <= 0 {
		errs = append(errs, errors.New("pipeline.bucket_size must be positive"))
	}
	if p.CaptureInterval <= 0 || p.BlinkInterval <= 0 {
		errs = append(errs, errors.New("pipeline capture and blink intervals must be positive"))
	}
	if p.ProgressEvery <= 0 || p.PreviewEvery <= 0 {
		errs = append(errs, errors.New("pipeline progress and preview cadence must be positive"))
	}
	for name, q := range map[string]int{"preview": p.PreviewQuality, "stream": p.StreamQuality, "capture": p.CaptureQuality} {
		if q < 1 || q > 100 {
			errs = append(errs, fmt.Errorf("pipeline.%s_quality out of range: %d", name, q))
		}
	}
	if p.StreamFrameDelay < 0 || p.StopGrace < 0 {
		errs = append(errs, errors.New("pipeline delays must not be negative"))
	}
	if p.FaceInputSize <= 0 {
		errs = append(errs, errors.New("pipeline.face_input_size must be positive"))
	}

	if c.Broadcast.ClientBuffer <= 0 {
		errs = append(errs, errors.New("broadcast.client_buffer must be positive"))
	}
	if c.Capture.WriterBuffer <= 0 {
		errs = append(errs, errors.New("capture.writer_buffer must be positive"))
	}

	return errors.Join(errs...)
}

func validateMaskLabels(labels []MaskLabel) error {
	var masks, noMasks int
	for _, l := range labels {
		switch l.Meaning {
		case MeaningMask:
			masks++
		case MeaningNoMask:
			noMasks++
		default:
			return fmt.Errorf("detection.mask_labels: unknown meaning %q for %q", l.Meaning, l.Text)
		}
	}
	if masks != 1 || noMasks != 1 {
		return fmt.Errorf("detection.mask_labels must name exactly one mask and one no_mask label (got %d/%d)", masks, noMasks)
	}
	return nil
}

// Dir returns the absolute-or-relative directory for one storage area.
func (s StorageConfig) Dir(area string) string {
	return filepath.Join(s.StaticDir, area)
}
