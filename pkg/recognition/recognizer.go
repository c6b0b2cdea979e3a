// Package recognition provides face detection, descriptor extraction and
// matching. It uses dlib/go-face for detection, landmark extraction, and
// descriptor generation.
package recognition

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"sync"

	"github.com/Kagami/go-face"
	"github.com/MrCodeEU/facegate/pkg/logging"
)

// Face represents a detected face in an image.
type Face struct {
	BoundingBox Rectangle
	Descriptor  Descriptor
}

// Rectangle represents a bounding box.
type Rectangle struct {
	X, Y          int
	Width, Height int
}

// Descriptor is a fixed-length face descriptor. The dlib model produces
// 128 values. Plaintext descriptors only ever live in memory.
type Descriptor []float32

// DescriptorSize is the length of descriptors produced by the dlib model.
const DescriptorSize = 128

// ErrDetection is the base error for frames that do not contain exactly
// one usable face. It is an environmental condition, not a security signal.
var ErrDetection = errors.New("face detection failed")

// ErrNoFaceDetected is returned when no face is found in the image.
var ErrNoFaceDetected = fmt.Errorf("%w: no face detected", ErrDetection)

// ErrAmbiguousFace is returned when more than one face is detected.
var ErrAmbiguousFace = fmt.Errorf("%w: multiple faces detected", ErrDetection)

// ErrModelNotLoaded is returned when models are not loaded.
var ErrModelNotLoaded = errors.New("recognition models not loaded")

// FaceEngine is the detection backend. *face.Recognizer satisfies it.
type FaceEngine interface {
	Recognize(imgData []byte) ([]face.Face, error)
	Close()
}

// Extractor turns an image into a single face descriptor.
type Extractor interface {
	ExtractDescriptor(imageData []byte) (Descriptor, error)
}

// Recognizer implements descriptor extraction using dlib via go-face.
type Recognizer struct {
	engine    FaceEngine
	factory   func(modelPath string) (FaceEngine, error)
	modelPath string
	loaded    bool
	mu        sync.RWMutex
}

// NewRecognizer creates a new Recognizer instance.
func NewRecognizer() *Recognizer {
	return &Recognizer{
		factory: func(modelPath string) (FaceEngine, error) {
			return face.NewRecognizer(modelPath)
		},
	}
}

// LoadModels loads the dlib face recognition models from the specified path.
// The path should contain:
// - shape_predictor_5_face_landmarks.dat
// - dlib_face_recognition_resnet_model_v1.dat
// - mmod_human_face_detector.dat
func (r *Recognizer) LoadModels(modelPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.loaded {
		return nil
	}

	logging.Infof("Loading face recognition models from: %s", modelPath)

	engine, err := r.factory(modelPath)
	if err != nil {
		return fmt.Errorf("failed to load models: %w", err)
	}

	r.engine = engine
	r.modelPath = modelPath
	r.loaded = true

	logging.Info("Face recognition models loaded successfully")
	return nil
}

// IsLoaded returns true if models are loaded.
func (r *Recognizer) IsLoaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded
}

// Close releases the recognizer resources.
func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.engine != nil {
		r.engine.Close()
		r.engine = nil
	}
	r.loaded = false
	return nil
}

// DetectFaces detects all faces in an image.
func (r *Recognizer) DetectFaces(imageData []byte) ([]Face, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.loaded {
		return nil, ErrModelNotLoaded
	}

	data, err := toJPEG(imageData)
	if err != nil {
		return nil, err
	}

	faces, err := r.engine.Recognize(data)
	if err != nil {
		return nil, fmt.Errorf("face detection failed: %w", err)
	}

	if len(faces) == 0 {
		return nil, ErrNoFaceDetected
	}

	result := make([]Face, len(faces))
	for i, f := range faces {
		rect := f.Rectangle
		desc := make(Descriptor, len(f.Descriptor))
		copy(desc, f.Descriptor[:])
		result[i] = Face{
			BoundingBox: Rectangle{
				X:      rect.Min.X,
				Y:      rect.Min.Y,
				Width:  rect.Dx(),
				Height: rect.Dy(),
			},
			Descriptor: desc,
		}
	}

	logging.Debugf("Detected %d face(s) in image", len(result))
	return result, nil
}

// ExtractDescriptor detects exactly one face and returns its descriptor.
// Zero faces yield ErrNoFaceDetected and several yield ErrAmbiguousFace;
// both match ErrDetection.
func (r *Recognizer) ExtractDescriptor(imageData []byte) (Descriptor, error) {
	faces, err := r.DetectFaces(imageData)
	if err != nil {
		return nil, err
	}

	if len(faces) > 1 {
		return nil, ErrAmbiguousFace
	}

	return faces[0].Descriptor, nil
}

// toJPEG re-encodes non-JPEG input, since the dlib loader only reads JPEG.
func toJPEG(data []byte) ([]byte, error) {
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: unreadable image: %v", ErrDetection, err)
	}
	if format == "jpeg" {
		return data, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: unreadable image: %v", ErrDetection, err)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		return nil, fmt.Errorf("failed to re-encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// AverageDescriptor computes the element-wise mean of several descriptors.
// It is used to combine multiple enrollment images of the same face.
// Descriptors whose length differs from the first are rejected.
func AverageDescriptor(descs []Descriptor) (Descriptor, error) {
	if len(descs) == 0 {
		return nil, errors.New("no descriptors to average")
	}

	if len(descs) == 1 {
		out := make(Descriptor, len(descs[0]))
		copy(out, descs[0])
		return out, nil
	}

	avg := make(Descriptor, len(descs[0]))
	for _, d := range descs {
		if len(d) != len(avg) {
			return nil, fmt.Errorf("descriptor length mismatch: %d != %d", len(d), len(avg))
		}
		for i, v := range d {
			avg[i] += v
		}
	}

	count := float32(len(descs))
	for i := range avg {
		avg[i] /= count
	}
	return avg, nil
}
