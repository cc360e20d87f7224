package control

// VarFlags describe a variable table entry.
type VarFlags uint16

const (
	CanRead  VarFlags = 0x01
	CanWrite VarFlags = 0x02
	Def      VarFlags = 0x20 // shown when no variables are named
	Padding  VarFlags = 0x40
	EOV      VarFlags = 0x80

	RO = CanRead
	WO = CanWrite
	RW = CanRead | CanWrite
)

// Var is one entry of a variable table. For extension variables Name holds
// the full name=value text.
type Var struct {
	Code  uint16
	Flags VarFlags
	Name  string
}

// System variable codes.
const (
	CSLeap = iota + 1
	CSStratum
	CSPrecision
	CSRootDelay
	CSRootDispersion
	CSRefID
	CSRefTime
	CSPoll
	CSPeerID
	CSOffset
	CSDrift
	CSJitter
	CSError
	CSClock
	CSProcessor
	CSSystem
	CSVersion
	CSStabil
	CSVarList
	CSTAI
	CSLeapTab
	CSLeapEnd
	CSRate
	CSMRUEnabled
	CSMRUDepth
	CSMRUDeepest
	CSMRUMinDepth
	CSMRUMaxAge
	CSMRUMaxDepth
	CSMRUMem
	CSMRUMaxMem
	CSSSUptime
	CSSSReset
	CSSSReceived
	CSSSThisVer
	CSSSOldVer
	CSSSBadFormat
	CSSSBadAuth
	CSSSDeclined
	CSSSRestricted
	CSSSLimited
	CSSSKoDSent
	CSSSProcessed
	CSPeerAdr
	CSPeerMode
	CSBcastDelay
	CSAuthDelay
	CSAuthKeys
	CSAuthFreeK
	CSAuthKLookups
	CSAuthKNotFound
	CSAuthKUncached
	CSAuthKExpired
	CSAuthEncrypts
	CSAuthDecrypts
	CSAuthReset
	CSKOffset
	CSKFreq
	CSKMaxErr
	CSKEstErr
	CSKStFlags
	CSKTimeConst
	CSKPrecision
	CSKFreqTol
	CSKPPSFreq
	CSKPPSStabil
	CSKPPSJitter
	CSKPPSCalibDur
	CSKPPSCalibs
	CSKPPSCalibErrs
	CSKPPSJitExc
	CSKPPSStbExc
	CSIOStatsReset
	CSTotalRBuf
	CSFreeRBuf
	CSUsedRBuf
	CSRBufLowater
	CSIODropped
	CSIOIgnored
	CSIOReceived
	CSIOSent
	CSIOSendFailed
	CSIOWakeups
	CSIOGoodWakeups
	CSTimerStatsReset
	CSTimerOverruns
	CSTimerXmts
	CSFuzz
	CSWanderThresh
	CSLeapSmearIntv
	CSLeapSmearOffs

	CSMaxCode = CSLeapSmearOffs
)

var sysVars = []Var{
	{0, Padding, ""},
	{CSLeap, RW, "leap"},
	{CSStratum, RO, "stratum"},
	{CSPrecision, RO, "precision"},
	{CSRootDelay, RO, "rootdelay"},
	{CSRootDispersion, RO, "rootdisp"},
	{CSRefID, RO, "refid"},
	{CSRefTime, RO, "reftime"},
	{CSPoll, RO, "tc"},
	{CSPeerID, RO, "peer"},
	{CSOffset, RO, "offset"},
	{CSDrift, RO, "frequency"},
	{CSJitter, RO, "sys_jitter"},
	{CSError, RO, "clk_jitter"},
	{CSClock, RO, "clock"},
	{CSProcessor, RO, "processor"},
	{CSSystem, RO, "system"},
	{CSVersion, RO, "version"},
	{CSStabil, RO, "clk_wander"},
	{CSVarList, RO, "sys_var_list"},
	{CSTAI, RO, "tai"},
	{CSLeapTab, RO, "leapsec"},
	{CSLeapEnd, RO, "expire"},
	{CSRate, RO, "mintc"},
	{CSMRUEnabled, RO, "mru_enabled"},
	{CSMRUDepth, RO, "mru_depth"},
	{CSMRUDeepest, RO, "mru_deepest"},
	{CSMRUMinDepth, RO, "mru_mindepth"},
	{CSMRUMaxAge, RO, "mru_maxage"},
	{CSMRUMaxDepth, RO, "mru_maxdepth"},
	{CSMRUMem, RO, "mru_mem"},
	{CSMRUMaxMem, RO, "mru_maxmem"},
	{CSSSUptime, RO, "ss_uptime"},
	{CSSSReset, RO, "ss_reset"},
	{CSSSReceived, RO, "ss_received"},
	{CSSSThisVer, RO, "ss_thisver"},
	{CSSSOldVer, RO, "ss_oldver"},
	{CSSSBadFormat, RO, "ss_badformat"},
	{CSSSBadAuth, RO, "ss_badauth"},
	{CSSSDeclined, RO, "ss_declined"},
	{CSSSRestricted, RO, "ss_restricted"},
	{CSSSLimited, RO, "ss_limited"},
	{CSSSKoDSent, RO, "ss_kodsent"},
	{CSSSProcessed, RO, "ss_processed"},
	{CSPeerAdr, RO, "peeradr"},
	{CSPeerMode, RO, "peermode"},
	{CSBcastDelay, RO, "bcastdelay"},
	{CSAuthDelay, RO, "authdelay"},
	{CSAuthKeys, RO, "authkeys"},
	{CSAuthFreeK, RO, "authfreek"},
	{CSAuthKLookups, RO, "authklookups"},
	{CSAuthKNotFound, RO, "authknotfound"},
	{CSAuthKUncached, RO, "authkuncached"},
	{CSAuthKExpired, RO, "authkexpired"},
	{CSAuthEncrypts, RO, "authencrypts"},
	{CSAuthDecrypts, RO, "authdecrypts"},
	{CSAuthReset, RO, "authreset"},
	{CSKOffset, RO, "koffset"},
	{CSKFreq, RO, "kfreq"},
	{CSKMaxErr, RO, "kmaxerr"},
	{CSKEstErr, RO, "kesterr"},
	{CSKStFlags, RO, "kstflags"},
	{CSKTimeConst, RO, "ktimeconst"},
	{CSKPrecision, RO, "kprecis"},
	{CSKFreqTol, RO, "kfreqtol"},
	{CSKPPSFreq, RO, "kppsfreq"},
	{CSKPPSStabil, RO, "kppsstab"},
	{CSKPPSJitter, RO, "kppsjitter"},
	{CSKPPSCalibDur, RO, "kppscalibdur"},
	{CSKPPSCalibs, RO, "kppscalibs"},
	{CSKPPSCalibErrs, RO, "kppscaliberrs"},
	{CSKPPSJitExc, RO, "kppsjitexc"},
	{CSKPPSStbExc, RO, "kppsstbexc"},
	{CSIOStatsReset, RO, "iostats_reset"},
	{CSTotalRBuf, RO, "total_rbuf"},
	{CSFreeRBuf, RO, "free_rbuf"},
	{CSUsedRBuf, RO, "used_rbuf"},
	{CSRBufLowater, RO, "rbuf_lowater"},
	{CSIODropped, RO, "io_dropped"},
	{CSIOIgnored, RO, "io_ignored"},
	{CSIOReceived, RO, "io_received"},
	{CSIOSent, RO, "io_sent"},
	{CSIOSendFailed, RO, "io_sendfailed"},
	{CSIOWakeups, RO, "io_wakeups"},
	{CSIOGoodWakeups, RO, "io_goodwakeups"},
	{CSTimerStatsReset, RO, "timerstats_reset"},
	{CSTimerOverruns, RO, "timer_overruns"},
	{CSTimerXmts, RO, "timer_xmts"},
	{CSFuzz, RO, "fuzz"},
	{CSWanderThresh, RO, "clk_wander_threshold"},
	{CSLeapSmearIntv, RO, "leapsmearinterval"},
	{CSLeapSmearOffs, RO, "leapsmearoffset"},
}

var defSysVars = []uint16{
	CSVersion, CSProcessor, CSSystem, CSLeap, CSStratum, CSPrecision,
	CSRootDelay, CSRootDispersion, CSRefID, CSRefTime, CSClock, CSPeerID,
	CSPoll, CSRate, CSOffset, CSDrift, CSJitter, CSError, CSStabil, CSTAI,
	CSLeapTab, CSLeapEnd, CSLeapSmearIntv, CSLeapSmearOffs,
}

// Peer variable codes.
const (
	CPConfig = iota + 1
	CPAuthEnable
	CPAuthentic
	CPSrcAdr
	CPSrcPort
	CPDstAdr
	CPDstPort
	CPLeap
	CPHMode
	CPStratum
	CPPPoll
	CPHPoll
	CPPrecision
	CPRootDelay
	CPRootDispersion
	CPRefID
	CPRefTime
	CPOrg
	CPRec
	CPXmt
	CPReach
	CPUnreach
	CPTimer
	CPDelay
	CPOffset
	CPJitter
	CPDispersion
	CPKeyID
	CPFiltDelay
	CPFiltOffset
	CPPMode
	CPReceived
	CPSent
	CPFiltError
	CPFlash
	CPTTL
	CPVarList
	CPIn
	CPOut
	CPRate
	CPBias
	CPSrcHost
	CPTimeRec
	CPTimeReach
	CPBadAuth
	CPBogusOrg
	CPOldPkt
	CPSelDisp
	CPSelBroken
	CPCandidate

	CPMaxCode = CPCandidate
)

var peerVars = []Var{
	{0, Padding, ""},
	{CPConfig, RO, "config"},
	{CPAuthEnable, RO, "authenable"},
	{CPAuthentic, RO, "authentic"},
	{CPSrcAdr, RO, "srcadr"},
	{CPSrcPort, RO, "srcport"},
	{CPDstAdr, RO, "dstadr"},
	{CPDstPort, RO, "dstport"},
	{CPLeap, RO, "leap"},
	{CPHMode, RO, "hmode"},
	{CPStratum, RO, "stratum"},
	{CPPPoll, RO, "ppoll"},
	{CPHPoll, RO, "hpoll"},
	{CPPrecision, RO, "precision"},
	{CPRootDelay, RO, "rootdelay"},
	{CPRootDispersion, RO, "rootdisp"},
	{CPRefID, RO, "refid"},
	{CPRefTime, RO, "reftime"},
	{CPOrg, RO, "org"},
	{CPRec, RO, "rec"},
	{CPXmt, RO, "xleave"},
	{CPReach, RO, "reach"},
	{CPUnreach, RO, "unreach"},
	{CPTimer, RO, "timer"},
	{CPDelay, RO, "delay"},
	{CPOffset, RO, "offset"},
	{CPJitter, RO, "jitter"},
	{CPDispersion, RO, "dispersion"},
	{CPKeyID, RO, "keyid"},
	{CPFiltDelay, RO, "filtdelay"},
	{CPFiltOffset, RO, "filtoffset"},
	{CPPMode, RO, "pmode"},
	{CPReceived, RO, "received"},
	{CPSent, RO, "sent"},
	{CPFiltError, RO, "filtdisp"},
	{CPFlash, RO, "flash"},
	{CPTTL, RO, "ttl"},
	{CPVarList, RO, "peer_var_list"},
	{CPIn, RO, "in"},
	{CPOut, RO, "out"},
	{CPRate, RO, "headway"},
	{CPBias, RO, "bias"},
	{CPSrcHost, RO, "srchost"},
	{CPTimeRec, RO, "timerec"},
	{CPTimeReach, RO, "timereach"},
	{CPBadAuth, RO, "badauth"},
	{CPBogusOrg, RO, "bogusorg"},
	{CPOldPkt, RO, "oldpkt"},
	{CPSelDisp, RO, "seldisp"},
	{CPSelBroken, RO, "selbroken"},
	{CPCandidate, RO, "candidate"},
}

var defPeerVars = []uint16{
	CPSrcAdr, CPSrcPort, CPSrcHost, CPDstAdr, CPDstPort, CPOut, CPIn,
	CPLeap, CPStratum, CPPrecision, CPRootDelay, CPRootDispersion, CPRefID,
	CPRefTime, CPRec, CPReach, CPUnreach, CPHMode, CPPMode, CPHPoll,
	CPPPoll, CPRate, CPFlash, CPKeyID, CPTTL, CPOffset, CPDelay,
	CPDispersion, CPJitter, CPXmt, CPBias, CPFiltDelay, CPFiltOffset,
	CPFiltError,
}

// Clock variable codes.
const (
	CCType = iota + 1
	CCTimecode
	CCPoll
	CCNoReply
	CCBadFormat
	CCBadData
	CCFudgeTime1
	CCFudgeTime2
	CCFudgeVal1
	CCFudgeVal2
	CCFlags
	CCDevice
	CCVarList

	CCMaxCode = CCVarList
)

var clockVars = []Var{
	{0, Padding, ""},
	{CCType, RO, "type"},
	{CCTimecode, RO, "timecode"},
	{CCPoll, RO, "poll"},
	{CCNoReply, RO, "noreply"},
	{CCBadFormat, RO, "badformat"},
	{CCBadData, RO, "baddata"},
	{CCFudgeTime1, RO, "fudgetime1"},
	{CCFudgeTime2, RO, "fudgetime2"},
	{CCFudgeVal1, RO, "stratum"},
	{CCFudgeVal2, RO, "refid"},
	{CCFlags, RO, "flags"},
	{CCDevice, RO, "device"},
	{CCVarList, RO, "clock_var_list"},
}

var defClockVars = []uint16{
	CCDevice, CCType, CCTimecode, CCPoll, CCNoReply, CCBadFormat,
	CCBadData, CCFudgeTime1, CCFudgeTime2, CCFudgeVal1, CCFudgeVal2,
	CCFlags,
}

// varName returns the name part of a table entry.
func varName(v Var) string {
	for i := 0; i < len(v.Name); i++ {
		if v.Name[i] == '=' {
			return v.Name[:i]
		}
	}
	return v.Name
}
