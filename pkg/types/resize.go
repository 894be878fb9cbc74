package types

// ResizeResults rescales every coordinate-bearing field of result from the
// dimensions each face was computed against to size. Faces without image
// dimensions are assumed to already be in display coordinates.
func ResizeResults(result DetectionResult, size Dimensions) DetectionResult {
	if result == nil {
		return nil
	}
	out := make(DetectionResult, len(result))
	for i, face := range result {
		out[i] = resizeFace(face, size)
	}
	return out
}

func resizeFace(face FaceDetection, size Dimensions) FaceDetection {
	if face.ImageDims.Empty() || size.Empty() {
		return copyFace(face)
	}

	sx := float64(size.Width) / float64(face.ImageDims.Width)
	sy := float64(size.Height) / float64(face.ImageDims.Height)

	resized := FaceDetection{
		Score:       face.Score,
		Box:         face.Box.Scale(sx, sy),
		ImageDims:   size,
		Expressions: copyExpressions(face.Expressions),
	}
	if face.Landmarks != nil {
		resized.Landmarks = make([]Point, len(face.Landmarks))
		for i, p := range face.Landmarks {
			resized.Landmarks[i] = Point{X: p.X * sx, Y: p.Y * sy}
		}
	}
	return resized
}

func copyFace(face FaceDetection) FaceDetection {
	out := face
	if face.Landmarks != nil {
		out.Landmarks = append([]Point(nil), face.Landmarks...)
	}
	out.Expressions = copyExpressions(face.Expressions)
	return out
}

func copyExpressions(e Expressions) Expressions {
	if e == nil {
		return nil
	}
	out := make(Expressions, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}
