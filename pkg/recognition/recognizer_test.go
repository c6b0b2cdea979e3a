package recognition

import (
	"bytes"
	"errors"
	"image"
	"testing"

	"github.com/Kagami/go-face"
)

func loadedRecognizer(t *testing.T, engine *MockFaceEngine) *Recognizer {
	t.Helper()
	r := NewRecognizer()
	r.factory = func(path string) (FaceEngine, error) {
		return engine, nil
	}
	if err := r.LoadModels("dummy"); err != nil {
		t.Fatalf("LoadModels failed: %v", err)
	}
	return r
}

func TestIsLoaded(t *testing.T) {
	rec := NewRecognizer()
	if rec.IsLoaded() {
		t.Error("expected IsLoaded to be false initially")
	}
}

func TestLoadModels(t *testing.T) {
	r := NewRecognizer()
	calls := 0
	r.factory = func(path string) (FaceEngine, error) {
		calls++
		return &MockFaceEngine{}, nil
	}

	if err := r.LoadModels("/tmp/models"); err != nil {
		t.Errorf("LoadModels failed: %v", err)
	}
	if !r.IsLoaded() {
		t.Error("expected loaded to be true")
	}

	// Load again (should be no-op)
	if err := r.LoadModels("/tmp/models"); err != nil {
		t.Errorf("LoadModels failed on second call: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected factory to run once, ran %d times", calls)
	}
}

func TestLoadModels_Failure(t *testing.T) {
	r := NewRecognizer()
	r.factory = func(path string) (FaceEngine, error) {
		return nil, errors.New("load failed")
	}

	if err := r.LoadModels("/tmp/models"); err == nil {
		t.Error("expected LoadModels to fail")
	}
	if r.IsLoaded() {
		t.Error("expected loaded to be false")
	}
}

func TestDetectFaces(t *testing.T) {
	r := loadedRecognizer(t, &MockFaceEngine{
		RecognizeFunc: func(data []byte) ([]face.Face, error) {
			return []face.Face{
				{
					Rectangle:  image.Rect(0, 0, 100, 100),
					Descriptor: face.Descriptor{1, 2, 3},
				},
			}, nil
		},
	})

	faces, err := r.DetectFaces(testJPEG(t))
	if err != nil {
		t.Fatalf("DetectFaces failed: %v", err)
	}
	if len(faces) != 1 {
		t.Fatalf("expected 1 face, got %d", len(faces))
	}
	if faces[0].BoundingBox.Width != 100 {
		t.Errorf("expected width 100, got %d", faces[0].BoundingBox.Width)
	}
	if len(faces[0].Descriptor) != DescriptorSize {
		t.Errorf("expected %d values, got %d", DescriptorSize, len(faces[0].Descriptor))
	}
}

func TestDetectFaces_NotLoaded(t *testing.T) {
	r := NewRecognizer()
	_, err := r.DetectFaces(testJPEG(t))
	if err != ErrModelNotLoaded {
		t.Errorf("expected ErrModelNotLoaded, got %v", err)
	}
}

func TestDetectFaces_Error(t *testing.T) {
	r := loadedRecognizer(t, &MockFaceEngine{
		RecognizeFunc: func(data []byte) ([]face.Face, error) {
			return nil, errors.New("engine error")
		},
	})

	if _, err := r.DetectFaces(testJPEG(t)); err == nil {
		t.Error("expected error")
	}
}

func TestDetectFaces_PNGIsReencoded(t *testing.T) {
	var got []byte
	r := loadedRecognizer(t, &MockFaceEngine{
		RecognizeFunc: func(data []byte) ([]face.Face, error) {
			got = data
			return []face.Face{{Rectangle: image.Rect(0, 0, 10, 10)}}, nil
		},
	})

	if _, err := r.DetectFaces(testPNG(t)); err != nil {
		t.Fatalf("DetectFaces failed: %v", err)
	}
	if !bytes.HasPrefix(got, []byte{0xFF, 0xD8}) {
		t.Error("engine did not receive JPEG data")
	}
}

func TestDetectFaces_Garbage(t *testing.T) {
	r := loadedRecognizer(t, &MockFaceEngine{})

	_, err := r.DetectFaces([]byte("not an image"))
	if !errors.Is(err, ErrDetection) {
		t.Errorf("expected ErrDetection, got %v", err)
	}
}

func TestExtractDescriptor(t *testing.T) {
	tests := []struct {
		name    string
		faces   []face.Face
		wantErr error
	}{
		{
			name:  "single face",
			faces: []face.Face{{Rectangle: image.Rect(0, 0, 100, 100), Descriptor: face.Descriptor{0.5}}},
		},
		{
			name:    "no face",
			faces:   []face.Face{},
			wantErr: ErrNoFaceDetected,
		},
		{
			name: "two faces",
			faces: []face.Face{
				{Rectangle: image.Rect(0, 0, 100, 100)},
				{Rectangle: image.Rect(100, 100, 200, 200)},
			},
			wantErr: ErrAmbiguousFace,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := loadedRecognizer(t, &MockFaceEngine{
				RecognizeFunc: func(data []byte) ([]face.Face, error) {
					return tt.faces, nil
				},
			})

			desc, err := r.ExtractDescriptor(testJPEG(t))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				if !errors.Is(err, ErrDetection) {
					t.Errorf("expected %v to be a detection error", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ExtractDescriptor failed: %v", err)
			}
			if desc[0] != 0.5 {
				t.Errorf("unexpected descriptor head: %f", desc[0])
			}
		})
	}
}

func TestClose(t *testing.T) {
	closed := false
	r := loadedRecognizer(t, &MockFaceEngine{
		CloseFunc: func() { closed = true },
	})

	if err := r.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if !closed {
		t.Error("expected engine to be closed")
	}
	if r.IsLoaded() {
		t.Error("expected loaded to be false")
	}
}

func TestAverageDescriptor(t *testing.T) {
	avg, err := AverageDescriptor([]Descriptor{{1, 2, 3}, {3, 4, 5}})
	if err != nil {
		t.Fatalf("AverageDescriptor failed: %v", err)
	}

	if avg[0] != 2.0 || avg[1] != 3.0 || avg[2] != 4.0 {
		t.Errorf("expected [2, 3, 4], got %v", avg)
	}

	if _, err := AverageDescriptor(nil); err == nil {
		t.Error("expected error for empty input")
	}
	if _, err := AverageDescriptor([]Descriptor{{1, 2}, {1}}); err == nil {
		t.Error("expected error for mismatched lengths")
	}
}
