// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMetaInfoV1SingleFile(t *testing.T) {
	require := require.New(t)

	data := V1MetaInfoFixture("movie.mp4", 16*1024, 4)
	mi, err := ParseMetaInfo(data)
	require.NoError(err)

	require.Equal(V1, mi.Info.Version)
	require.Equal("movie.mp4", mi.Info.Name)
	require.Equal(4, mi.Info.NumPieces())
	require.True(mi.Info.SingleFile())
	require.True(mi.InfoHash.HasV1())
	require.False(mi.InfoHash.HasV2())
	require.Equal("http://tracker.example.com/announce", mi.Announce)
}

func TestParseMetaInfoV1MultiFile(t *testing.T) {
	require := require.New(t)

	data := V1MultiFileMetaInfoFixture("show", 16*1024, []int64{16 * 1024, 32 * 1024, 1000})
	mi, err := ParseMetaInfo(data)
	require.NoError(err)

	require.Equal(V1, mi.Info.Version)
	require.Len(mi.Info.Files, 3)
	require.Equal(int64(16*1024), mi.Info.Files[1].Offset)
	require.Equal(int64(16*1024+32*1024), mi.Info.Files[2].Offset)
	require.False(mi.Info.SingleFile())
}

func TestParseMetaInfoV2SingleFile(t *testing.T) {
	require := require.New(t)

	data := V2MetaInfoFixture("movie.mkv", MerkleBlockSize)
	mi, err := ParseMetaInfo(data)
	require.NoError(err)

	require.Equal(V2, mi.Info.Version)
	require.True(mi.InfoHash.HasV2())
	require.False(mi.InfoHash.HasV1())
	require.Len(mi.Info.Files, 1)
	require.True(mi.Info.Files[0].HasPiecesRoot)
	require.Len(mi.Info.PieceLayers, 1)
}

func TestParseMetaInfoRejectsMissingInfo(t *testing.T) {
	_, err := ParseMetaInfo([]byte("d8:announce3:fooe"))
	require.Error(t, err)
}

func TestParseMetaInfoRejectsMalformedPieces(t *testing.T) {
	// "pieces" length not a multiple of 20.
	data := []byte("d4:infod6:lengthi10e4:name4:test12:piece lengthi16384e6:pieces3:abcee")
	_, err := ParseMetaInfo(data)
	require.Error(t, err)
}

func TestParseMetaInfoIsDeterministic(t *testing.T) {
	require := require.New(t)

	data := V1MetaInfoFixture("movie.mp4", 16*1024, 4)
	mi1, err := ParseMetaInfo(data)
	require.NoError(err)
	mi2, err := ParseMetaInfo(data)
	require.NoError(err)
	require.True(mi1.InfoHash.Equal(mi2.InfoHash))
}
