package comm_test

import (
	"errors"
	"net"
	"testing"

	"github.com/nasa-jpl/spectrolab/comm"
)

func TestExchangeBeforeOpen(t *testing.T) {
	rd := comm.NewRemoteDevice("127.0.0.1:0", false, nil, nil)
	_, err := rd.SendRecv([]byte("id?"))
	if !errors.Is(err, comm.ErrNotOpen) {
		t.Errorf("expected ErrNotOpen, got %v", err)
	}
}

func TestSendRecvOverPipe(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	rd := comm.NewRemoteDevice("", false, nil, nil)
	rd.Use(client)
	go func() {
		buf := make([]byte, 16)
		n, _ := server.Read(buf)
		if string(buf[:n]) == "id?\r" {
			server.Write([]byte("SC10\r"))
		}
	}()
	resp, err := rd.SendRecv([]byte("id?"))
	if err != nil {
		t.Fatalf("%v", err)
	}
	if string(resp) != "SC10" {
		t.Errorf("expected SC10, got %s", resp)
	}
}

func TestCustomTerminators(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	rd := comm.NewRemoteDevice("", false, &comm.Terminators{Tx: '\n', Rx: '\n'}, nil)
	rd.Use(client)
	go func() {
		buf := make([]byte, 16)
		n, _ := server.Read(buf)
		if string(buf[:n]) == "ver\n" {
			server.Write([]byte("1.07\n"))
		}
	}()
	resp, err := rd.SendRecv([]byte("ver"))
	if err != nil {
		t.Fatalf("%v", err)
	}
	if string(resp) != "1.07" {
		t.Errorf("expected 1.07, got %s", resp)
	}
}

func TestOpenAndExchangeOverTCP(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 16)
		n, _ := conn.Read(buf)
		if string(buf[:n]) == "ens?\r" {
			conn.Write([]byte("1\r"))
		}
	}()
	rd := comm.NewRemoteDevice(l.Addr().String(), false, nil, nil)
	if err := rd.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rd.Close()
	resp, err := rd.SendRecv([]byte("ens?"))
	if err != nil {
		t.Fatalf("%v", err)
	}
	if string(resp) != "1" {
		t.Errorf("expected 1, got %s", resp)
	}
}
