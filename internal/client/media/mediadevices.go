package media

import (
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"

	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
)

const videoBitRate = 1_000_000

// NewCodecSelector builds the codec selector shared by the media controller
// and every peer link's media engine: VP8 for video, Opus for audio.
func NewCodecSelector() (*mediadevices.CodecSelector, error) {
	vp8Params, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vp8Params.BitRate = videoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vp8Params),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

// GetUserMediaOpener returns an Opener backed by the local camera and
// microphone drivers.
func GetUserMediaOpener(selector *mediadevices.CodecSelector) Opener {
	return func(constraints Constraints) ([]Track, error) {
		stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Video: func(c *mediadevices.MediaTrackConstraints) {
				c.Width = prop.Int(constraints.Width)
				c.Height = prop.Int(constraints.Height)
			},
			Audio: func(c *mediadevices.MediaTrackConstraints) {},
			Codec: selector,
		})
		if err != nil {
			return nil, err
		}

		deviceTracks := stream.GetTracks()
		tracks := make([]Track, 0, len(deviceTracks))
		for _, t := range deviceTracks {
			tracks = append(tracks, t)
		}

		return tracks, nil
	}
}
