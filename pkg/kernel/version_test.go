// Copyright 2022-2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package kernel

import (
	"fmt"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/require"
)

func TestParseRelease(t *testing.T) {
	testcases := []struct {
		release string
		want    string
		wantErr bool
	}{
		{release: "6.1.0-13-amd64", want: "6.1.0"},
		{release: "5.15.0-1051-azure", want: "5.15.0"},
		{release: "4.19.112+", want: "4.19.112"},
		{release: "6.8", want: "6.8.0"},
		{release: "", wantErr: true},
		{release: "linux", wantErr: true},
	}
	for _, tt := range testcases {
		t.Run(tt.release, func(t *testing.T) {
			v, err := ParseRelease(tt.release)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, v.String())
		})
	}
}

func TestSupportedKernelVersions(t *testing.T) {
	name := func(version string, supported bool) string {
		verb := "does not support"
		if supported {
			verb = "supports"
		}
		return fmt.Sprintf("%s %s", version, verb)
	}

	testcases := []struct {
		version        string
		seize          bool
		processVMReadv bool
	}{
		{version: "2.6.32"},
		{version: "3.2", processVMReadv: true},
		{version: "3.3.8", processVMReadv: true},
		{version: "3.4", seize: true, processVMReadv: true},
		{version: "6.1", seize: true, processVMReadv: true},
	}
	for _, tt := range testcases {
		t.Run(name(tt.version, tt.seize), func(t *testing.T) {
			v := semver.MustParse(tt.version)
			require.Equal(t, tt.seize, SupportsPtraceSeize(v))
			require.Equal(t, tt.processVMReadv, SupportsProcessVMReadv(v))
		})
	}
}
