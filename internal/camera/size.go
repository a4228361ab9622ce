package camera

// SelectSize は候補の中から target を覆う最小面積のサイズを選ぶ
// 覆う候補がない場合は最大面積の候補を返す。同面積なら幅の小さい方を優先する
func SelectSize(candidates []Size, target Size) (Size, error) {
	if len(candidates) == 0 {
		return Size{}, ErrNoSizes
	}

	var best Size
	found := false
	largest := candidates[0]
	for _, c := range candidates {
		if c.Area() > largest.Area() || (c.Area() == largest.Area() && c.Width < largest.Width) {
			largest = c
		}

		if !c.Covers(target) {
			continue
		}
		if !found || c.Area() < best.Area() || (c.Area() == best.Area() && c.Width < best.Width) {
			best = c
			found = true
		}
	}

	if found {
		return best, nil
	}
	return largest, nil
}

// PreviewRotation はプレビューの回転角を計算する
// フロントカメラはミラー表示になるため符号が反転する
func PreviewRotation(facing Facing, sensorOrientation, deviceRotation int) int {
	if facing == FacingFront {
		return (360 - ((sensorOrientation + deviceRotation) % 360)) % 360
	}
	return (sensorOrientation - deviceRotation + 360) % 360
}

// CaptureRotation は静止画出力の回転角を計算する
func CaptureRotation(facing Facing, sensorOrientation, deviceRotation int) int {
	if facing == FacingFront {
		return (sensorOrientation + deviceRotation + 360) % 360
	}
	return (sensorOrientation - deviceRotation + 360) % 360
}

// isQuarterTurn は回転角が90度の奇数倍かを返す
func isQuarterTurn(rotation int) bool {
	return rotation%180 != 0
}

// TargetForRotation は表示座標系のターゲットをセンサー座標系に変換する
func TargetForRotation(target Size, rotation int) Size {
	if isQuarterTurn(rotation) {
		return target.Swap()
	}
	return target
}

// computePreviewConfig は回転とサイズ選択をまとめて行う
func computePreviewConfig(attrs Attributes, target Size, deviceRotation, fps int) (PreviewConfig, error) {
	rotation := PreviewRotation(attrs.Facing, attrs.SensorOrientation, deviceRotation)

	stream, err := SelectSize(attrs.PreviewSizes, TargetForRotation(target, rotation))
	if err != nil {
		return PreviewConfig{}, err
	}

	return PreviewConfig{
		StreamSize:      stream,
		BufferSize:      TargetForRotation(stream, rotation),
		Rotation:        rotation,
		CaptureRotation: CaptureRotation(attrs.Facing, attrs.SensorOrientation, deviceRotation),
		DeviceRotation:  deviceRotation,
		Facing:          attrs.Facing,
		FPS:             fps,
	}, nil
}
