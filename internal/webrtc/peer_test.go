package webrtc

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sipvideoroom/native/internal/domain"
	"sipvideoroom/native/internal/sdpinfo"
)

func TestPeer_OfferAnswer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pub, err := NewPeer(nil, nil)
	require.NoError(t, err)
	defer pub.Close()
	sub, err := NewPeer(nil, nil)
	require.NoError(t, err)
	defer sub.Close()

	offer, err := pub.CreateOffer(ctx, domain.MediaConstraints{VideoSend: true})
	require.NoError(t, err)
	assert.Equal(t, "offer", offer.Type)
	assert.Contains(t, offer.SDP, "a=sendonly")
	assert.Contains(t, offer.SDP, "VP8/90000")

	audio, video, err := sdpinfo.Kinds(offer.SDP)
	require.NoError(t, err)
	assert.False(t, audio)
	assert.True(t, video)

	answer, err := sub.CreateAnswer(ctx, offer, domain.RecvOnly())
	require.NoError(t, err)
	assert.Equal(t, "answer", answer.Type)
	assert.True(t, strings.Contains(answer.SDP, "a=recvonly"))

	require.NoError(t, pub.SetRemoteDescription(answer))
	// The same answer delivered twice is accepted.
	require.NoError(t, pub.SetRemoteDescription(answer))
}

func TestPeer_CreateAnswerWithoutOffer(t *testing.T) {
	p, err := NewPeer([]string{""}, nil)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.CreateAnswer(context.Background(), nil, domain.RecvOnly())
	assert.Error(t, err)
	assert.Error(t, p.SetRemoteDescription(nil))
}

func TestFactory(t *testing.T) {
	n, err := NewFactory(nil)(func(domain.HandleEvent) {})
	require.NoError(t, err)
	assert.NoError(t, n.Close())
}
