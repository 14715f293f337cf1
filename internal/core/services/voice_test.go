package services

import (
	"fmt"
	"testing"

	"chatsync/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const voiceA domain.RoomKey = "voice:A"

func TestVoiceRelay_JoinReturnsExistingPeers(t *testing.T) {
	v := NewVoiceRelay(10, false)

	peers, _, err := v.Join("c1", "u1", voiceA)
	require.NoError(t, err)
	assert.Empty(t, peers)

	peers, _, err = v.Join("c2", "u2", voiceA)
	require.NoError(t, err)
	assert.Equal(t, []domain.ConnID{"c1"}, peers)

	peers, _, err = v.Join("c3", "u3", voiceA)
	require.NoError(t, err)
	assert.Equal(t, []domain.ConnID{"c1", "c2"}, peers)

	peers, _, err = v.Join("c2", "u2", voiceA)
	require.NoError(t, err)
	assert.Equal(t, []domain.ConnID{"c1", "c3"}, peers, "rejoin is idempotent")
	assert.Equal(t, 3, v.Occupancy(voiceA))
}

func TestVoiceRelay_CapacityBound(t *testing.T) {
	v := NewVoiceRelay(10, false)
	for i := 0; i < 10; i++ {
		_, _, err := v.Join(domain.ConnID(fmt.Sprintf("c%d", i)), domain.Identity(fmt.Sprintf("u%d", i)), voiceA)
		require.NoError(t, err)
	}
	_, _, err := v.Join("c10", "u10", voiceA)
	assert.ErrorIs(t, err, domain.ErrCapacityExceeded)
	assert.Equal(t, 10, v.Occupancy(voiceA))
	assert.Empty(t, v.Rooms("c10"))

	_, ok := v.Leave("c3", voiceA)
	require.True(t, ok)
	_, _, err = v.Join("c10", "u10", voiceA)
	assert.NoError(t, err)
}

func TestVoiceRelay_LeaveReportsRemaining(t *testing.T) {
	v := NewVoiceRelay(0, false)
	assert.Equal(t, DefaultVoiceCapacity, v.Capacity())
	v.Join("c1", "u1", voiceA)
	v.Join("c2", "u2", voiceA)

	dep, ok := v.Leave("c1", voiceA)
	require.True(t, ok)
	assert.Equal(t, VoiceDeparture{Room: voiceA, Conn: "c1", Remaining: []domain.ConnID{"c2"}}, dep)

	_, ok = v.Leave("c1", voiceA)
	assert.False(t, ok)
	dep, ok = v.Leave("c2", voiceA)
	require.True(t, ok)
	assert.Empty(t, dep.Remaining)
	assert.Zero(t, v.Occupancy(voiceA))
}

func TestVoiceRelay_LeaveAllCoversEveryRoom(t *testing.T) {
	v := NewVoiceRelay(10, false)
	v.Join("c1", "u1", voiceA)
	v.Join("c1", "u1", "voice:B")
	v.Join("c2", "u2", voiceA)
	v.Join("c3", "u3", "voice:B")

	deps := v.LeaveAll("c1")
	require.Len(t, deps, 2)
	assert.Equal(t, voiceA, deps[0].Room)
	assert.Equal(t, []domain.ConnID{"c2"}, deps[0].Remaining)
	assert.Equal(t, domain.RoomKey("voice:B"), deps[1].Room)
	assert.Equal(t, []domain.ConnID{"c3"}, deps[1].Remaining)
	assert.Nil(t, v.LeaveAll("c1"))
}

func TestVoiceRelay_CanRelayRequiresSharedRoom(t *testing.T) {
	v := NewVoiceRelay(10, false)
	v.Join("c1", "u1", voiceA)
	v.Join("c2", "u2", voiceA)
	v.Join("c3", "u3", "voice:B")

	assert.True(t, v.CanRelay("c1", "c2"))
	assert.True(t, v.CanRelay("c2", "c1"))
	assert.False(t, v.CanRelay("c1", "c3"))
	assert.False(t, v.CanRelay("c1", "c1"))
	assert.False(t, v.CanRelay("nobody", "c1"))
}

func TestVoiceRelay_SingleRoomEvictsIdentity(t *testing.T) {
	v := NewVoiceRelay(10, true)
	v.Join("tab1", "u1", voiceA)
	v.Join("c2", "u2", voiceA)

	_, evicted, err := v.Join("tab2", "u1", "voice:B")
	require.NoError(t, err)
	require.Len(t, evicted, 1)
	assert.Equal(t, VoiceDeparture{Room: voiceA, Conn: "tab1", Remaining: []domain.ConnID{"c2"}}, evicted[0])
	assert.Equal(t, []domain.RoomKey{"voice:B"}, v.Rooms("tab2"))
	assert.Empty(t, v.Rooms("tab1"))
}
