package UartTransciever

import (
	"reflect"
	"testing"
)

func Test_stuffPacket(t *testing.T) {
	type args struct {
		data packet
	}
	tests := []struct {
		name    string
		args    args
		wantRet packet
	}{
		{
			name:    "empty packet",
			args:    args{packet{}},
			wantRet: packet{0xC0, 0xC0},
		},
		{
			name:    "no escape symbols",
			args:    args{packet{0x00, 0x01, 0x02, 0xFF}},
			wantRet: packet{0xC0, 0x00, 0x01, 0x02, 0xFF, 0xC0},
		},
		{
			name:    "with escape symbols",
			args:    args{packet{0xC0, 0xDB, 0x00, 0x01, 0x02, 0xFF, 0xC0}},
			wantRet: packet{0xC0, 0xDB, 0xDC, 0xDB, 0xDD, 0x00, 0x01, 0x02, 0xFF, 0xDB, 0xDC, 0xC0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if gotRet := stuffPacket(tt.args.data); !reflect.DeepEqual(gotRet, tt.wantRet) {
				t.Errorf("stuffPacket() = %v, want %v", gotRet, tt.wantRet)
			}
		})
	}
}

func Test_unstuffPacket(t *testing.T) {
	type args struct {
		data packet
	}
	tests := []struct {
		name    string
		args    args
		wantRet packet
		wantErr error
	}{
		{
			name:    "empty packet",
			args:    args{packet{}},
			wantRet: packet{},
		},
		{
			name:    "no escape symbols",
			args:    args{packet{0x11, 0x22, 0x33}},
			wantRet: packet{0x11, 0x22, 0x33},
		},
		{
			name:    "with escape symbols",
			args:    args{packet{0xDB, 0xDC, 0x11, 0x22, 0x33, 0xDB, 0xDD}},
			wantRet: packet{0xC0, 0x11, 0x22, 0x33, 0xDB},
		},
		{
			name:    "packet with extra 0xC0 in it",
			args:    args{packet{0x00, 0xC0}},
			wantErr: errExtraDelimiter,
		},
		{
			name:    "packet with incomplete escape sequence",
			args:    args{packet{0x00, 0xDB, 0xDC, 0x00, 0xDB}},
			wantErr: errUnfinished,
		},
		{
			name:    "packet with incorrect escape sequence",
			args:    args{packet{0xDB, 0x00}},
			wantErr: errBadEscape,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotRet, err := unstuffPacket(tt.args.data)
			if err != tt.wantErr {
				t.Fatalf("unstuffPacket() error = %v, want %v", err, tt.wantErr)
			}
			if nil == tt.wantErr && !reflect.DeepEqual(gotRet, tt.wantRet) {
				t.Errorf("unstuffPacket() = %v, want %v", gotRet, tt.wantRet)
			}
		})
	}
}

func Test_parseRequest(t *testing.T) {
	tests := []struct {
		name    string
		data    packet
		want    uartRequest
		wantErr bool
	}{
		{"no payload", packet{1, 0x01, 0, 0}, uartRequest{1, cVersion, packet{}}, false},
		{"payload", packet{1, 0x7F, 3, 0, 10, 0, 2}, uartRequest{1, cSendToWait, packet{10, 0, 2}}, false},
		{"too short", packet{1, 0x00, 0}, uartRequest{}, true},
		{"length mismatch", packet{1, 0x00, 2, 0, 9}, uartRequest{}, true},
		{"length high byte", packet{1, 0x00, 1, 1, 9}, uartRequest{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseRequest(tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && (got.version != tt.want.version || got.command != tt.want.command ||
				!reflect.DeepEqual([]byte(got.payload), []byte(tt.want.payload))) {
				t.Errorf("parseRequest() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func Test_createResponse(t *testing.T) {
	got := createResponse(uartResponse{version: 1, command: cSend, code: rAckTimeout, payload: []byte{7}})
	want := packet{1, 0xFE, 0x12, 1, 0, 7}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("createResponse() = % X, want % X", []byte(got), []byte(want))
	}
	long := make([]byte, 300)
	got = createResponse(uartResponse{version: 1, command: cGetRxItem, code: rDataPacket, payload: long})
	rs, err := parseResponse(got)
	if err != nil || 300 != len(rs.payload) || !validateResponse(rs, cGetRxItem) || rDataPacket != rs.code {
		t.Errorf("parseResponse() = %+v, %v", rs, err)
	}
	if validateResponse(rs, cEcho) {
		t.Error("response validated against another command")
	}
}
